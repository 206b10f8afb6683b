package fulfillment

import (
	"fmt"
	"strings"

	"github.com/Phillboard/mobul-sub010/pkg/messaging"
	"github.com/Phillboard/mobul-sub010/services/channel"
	"github.com/Phillboard/mobul-sub010/services/contact"
	"github.com/Phillboard/mobul-sub010/services/inventory"
)

const (
	defaultTemplate = "Hi {{first_name}}, thanks for taking part! Your {{brand}} {{amount}} gift card code is {{code}}"
	defaultSubject  = "Your {{brand}} gift card"
)

// rewardMessage renders the template for one recipient. Unknown
// placeholders are left as they are.
func rewardMessage(tmpl string, typ channel.Type, c *contact.Contact, pool *inventory.Pool, code string, metadata map[string]any) (messaging.Message, error) {
	to := c.Phone
	if typ == channel.TypeEmail {
		to = c.Email
	}
	if strings.TrimSpace(to) == "" {
		return messaging.Message{}, fmt.Errorf("recipient %s has no %s destination", c.ContactID, typ)
	}

	if strings.TrimSpace(tmpl) == "" {
		tmpl = defaultTemplate
	}

	pairs := []string{
		"{{first_name}}", c.FirstName,
		"{{last_name}}", c.LastName,
		"{{full_name}}", c.FullName(),
		"{{code}}", code,
		"{{brand}}", pool.Brand,
		"{{amount}}", formatAmount(pool.Denomination, pool.Currency),
	}
	for k, v := range metadata {
		pairs = append(pairs, "{{metadata."+k+"}}", fmt.Sprint(v))
	}
	r := strings.NewReplacer(pairs...)

	msg := messaging.Message{To: to, Body: r.Replace(tmpl)}
	if typ == channel.TypeEmail {
		msg.Subject = r.Replace(defaultSubject)
	}
	return msg, nil
}

// formatAmount renders minor units, e.g. 2500 USD as $25.00.
func formatAmount(minor int64, currency string) string {
	major := fmt.Sprintf("%d.%02d", minor/100, minor%100)
	switch strings.ToUpper(currency) {
	case "", "USD":
		return "$" + major
	default:
		return major + " " + strings.ToUpper(currency)
	}
}
