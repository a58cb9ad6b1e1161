package email

import (
	"context"
	"strings"

	"scriptorium/models"
)

// Checker rejects accounts whose address is throwaway or malformed.
type Checker struct {
	disposable map[string]bool
}

func NewChecker(disposableDomains []string) *Checker {
	set := make(map[string]bool, len(disposableDomains))
	for _, d := range disposableDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			set[d] = true
		}
	}
	return &Checker{disposable: set}
}

// CheckAccount reports whether the account's email is acceptable for
// posting. Accounts without an email (identity-provider sign-ins) pass.
func (c *Checker) CheckAccount(ctx context.Context, account *models.Account) bool {
	if account.Email == "" {
		return true
	}
	if !Valid(account.Email) {
		return false
	}
	return !c.IsDisposable(account.Email)
}

// IsDisposable matches the address domain and each of its parent domains.
func (c *Checker) IsDisposable(address string) bool {
	domain := models.EmailDomain(address)
	for domain != "" {
		if c.disposable[domain] {
			return true
		}
		dot := strings.Index(domain, ".")
		if dot < 0 {
			break
		}
		domain = domain[dot+1:]
	}
	return false
}
