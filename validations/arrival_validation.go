package validations

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/lucasvidela/chatburst/coordinator/domain"
)

// ValidateArrival rejects malformed arrivals before any state mutation.
func ValidateArrival(a domain.Arrival) error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.ClientID, validation.Required),
		validation.Field(&a.SenderKey, validation.Required),
		validation.Field(&a.Text, validation.Required),
		validation.Field(&a.Role, validation.Required, validation.In(domain.RoleUser, domain.RoleSystem)),
		validation.Field(&a.SourceChannel, validation.In(domain.ChannelWhatsApp, domain.ChannelChatwoot, domain.ChannelAPI)),
	)
}
