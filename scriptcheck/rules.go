package scriptcheck

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"scriptorium/models"
	"scriptorium/scripts"
)

// DefaultRules returns the standard rule set. allowedRequireHosts lists
// the hosts @require may point at without review.
func DefaultRules(allowedRequireHosts []string) []Rule {
	return []Rule{
		BlockedTextRule,
		PreviouslyDeletedRule,
		DuplicateCodeRule,
		RequireHostRule(allowedRequireHosts),
	}
}

// BlockedTextRule matches the code against moderator-maintained snippets.
// Matching ignores case and diacritics.
func BlockedTextRule(ctx context.Context, c *RuleContext) ([]Finding, error) {
	var blocked []models.BlockedScriptText
	if err := c.DB.Find(&blocked).Error; err != nil {
		return nil, err
	}
	if len(blocked) == 0 {
		return nil, nil
	}

	code := normalizeText(c.Version.Code)

	var findings []Finding
	for _, b := range blocked {
		text := normalizeText(b.Text)
		if text == "" || !strings.Contains(code, text) {
			continue
		}
		verdict, err := ParseVerdict(b.Result)
		if err != nil {
			c.Logger.Warn("skipping blocked text with bad result", "id", b.ID, "err", err)
			continue
		}
		findings = append(findings, Finding{
			Rule:          "blocked_text",
			Verdict:       verdict,
			PublicReason:  b.PublicReason,
			PrivateReason: b.PrivateReason,
		})
	}
	return findings, nil
}

// PreviouslyDeletedRule bans reposts of code that moderators deleted and
// locked.
func PreviouslyDeletedRule(ctx context.Context, c *RuleContext) ([]Finding, error) {
	var matches []int
	err := c.DB.Model(&models.ScriptVersion{}).
		Joins("JOIN scripts ON scripts.id = script_versions.script_id").
		Where("script_versions.code_hash = ? AND scripts.locked = ? AND scripts.delete_type IS NOT NULL AND scripts.id <> ?",
			c.Version.CodeHash, true, c.Script.ID).
		Distinct().
		Pluck("scripts.id", &matches).Error
	if err != nil || len(matches) == 0 {
		return nil, err
	}

	return []Finding{{
		Rule:          "previously_deleted",
		Verdict:       Ban,
		PublicReason:  "This code was previously removed by a moderator.",
		PrivateReason: fmt.Sprintf("Matches code of deleted and locked script(s) %v", matches),
	}}, nil
}

// DuplicateCodeRule blocks code already published by somebody else unless
// the submitter confirmed they have the right to repost it.
func DuplicateCodeRule(ctx context.Context, c *RuleContext) ([]Finding, error) {
	if c.Version.AllowCodePreviouslyPosted {
		return nil, nil
	}

	var scriptIDs []int
	err := c.DB.Model(&models.ScriptVersion{}).
		Joins("JOIN scripts ON scripts.id = script_versions.script_id").
		Where("script_versions.code_hash = ? AND scripts.delete_type IS NULL AND scripts.id <> ?",
			c.Version.CodeHash, c.Script.ID).
		Distinct().
		Pluck("scripts.id", &scriptIDs).Error
	if err != nil || len(scriptIDs) == 0 {
		return nil, err
	}

	authorIDs := make([]int, 0, len(c.Script.Authors))
	for _, a := range c.Script.Authors {
		authorIDs = append(authorIDs, a.AccountID)
	}

	var shared int64
	if len(authorIDs) > 0 {
		err = c.DB.Model(&models.Author{}).
			Where("script_id IN ? AND account_id IN ?", scriptIDs, authorIDs).
			Count(&shared).Error
		if err != nil {
			return nil, err
		}
	}
	if shared > 0 {
		return nil, nil
	}

	return []Finding{{
		Rule:          "duplicate_code",
		Verdict:       Block,
		PublicReason:  "This code has already been posted by another author. If you have permission to repost it, confirm that and submit again.",
		PrivateReason: fmt.Sprintf("Matches code of script(s) %v", scriptIDs),
	}}, nil
}

// RequireHostRule sends versions that @require code from unknown hosts to
// review.
func RequireHostRule(allowed []string) Rule {
	hosts := make(map[string]bool, len(allowed))
	for _, h := range allowed {
		hosts[strings.ToLower(h)] = true
	}

	return func(ctx context.Context, c *RuleContext) ([]Finding, error) {
		meta, _ := scripts.ParseMeta(c.Version.Code, c.Script.Language)

		var disallowed []string
		for _, req := range meta["require"] {
			u, err := url.Parse(req)
			if err != nil || u.Hostname() == "" {
				disallowed = append(disallowed, req)
				continue
			}
			if !allowedHost(hosts, strings.ToLower(u.Hostname())) {
				disallowed = append(disallowed, req)
			}
		}
		if len(disallowed) == 0 {
			return nil, nil
		}

		return []Finding{{
			Rule:          "require_host",
			Verdict:       Review,
			PublicReason:  "This script requires code from a site that is not on the approved list and will be reviewed.",
			PrivateReason: "Disallowed @require: " + strings.Join(disallowed, ", "),
		}}, nil
	}
}

func allowedHost(hosts map[string]bool, host string) bool {
	for host != "" {
		if hosts[host] {
			return true
		}
		_, parent, ok := strings.Cut(host, ".")
		if !ok {
			return false
		}
		host = parent
	}
	return false
}

func normalizeText(text string) string {
	normFunc := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(normFunc, strings.ToLower(text))
	if err != nil {
		slog.Warn("unicode normalization error", "err", err)
		return strings.ToLower(text)
	}
	return out
}
