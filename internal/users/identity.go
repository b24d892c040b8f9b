package users

import (
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/flashdeck/internal/auth"
)

// defaultProvider labels logins whose token carries no provider prefix.
const defaultProvider = "default"

// Identity maps a provider login to the canonical flashdeck user id that
// owns decks, cards and stats on the server. The canonical id is the bare
// subject of the first login.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Identity) TableName() string {
	return "user_identities"
}

func newIdentity(provider, subject string, claims auth.Claims, seenAt time.Time) Identity {
	return Identity{
		Provider:    provider,
		Subject:     subject,
		UserID:      subject,
		Email:       normalize(claims.Email),
		DisplayName: normalize(claims.DisplayName),
		LastSeenAt:  seenAt,
	}
}

// refresh returns the column updates for a repeated login: the sighting
// time always, profile fields only when the token carries new values.
func (i Identity) refresh(claims auth.Claims, seenAt time.Time) map[string]any {
	updates := map[string]any{"last_seen_at": seenAt}
	if email := normalize(claims.Email); email != "" && email != i.Email {
		updates["user_email"] = email
	}
	if display := normalize(claims.DisplayName); display != "" && display != i.DisplayName {
		updates["user_display_name"] = display
	}
	return updates
}

// providerSubject splits the login out of claims. UserID "provider:subject"
// wins; otherwise the registered subject, a bare UserID or the email is used
// under the default provider.
func providerSubject(claims auth.Claims) (string, string) {
	provider := defaultProvider
	subject := normalize(claims.Subject)

	if raw := normalize(claims.UserID); raw != "" {
		if head, tail, found := strings.Cut(raw, ":"); found {
			if normalize(head) != "" && normalize(tail) != "" {
				provider = normalize(head)
				subject = normalize(tail)
			}
		} else if subject == "" {
			subject = raw
		}
	}
	if subject == "" {
		subject = normalize(claims.Email)
	}
	return provider, subject
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
