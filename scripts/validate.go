package scripts

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"scriptorium/models"
)

const (
	MaxCodeLength           = 2_000_000
	MaxChangelogLength      = 500
	MaxAdditionalInfoLength = 50_000
	MaxNameLength           = 100
	MaxDescriptionLength    = 500
)

// FieldBase is the field for errors that do not belong to one input.
const FieldBase = "base"

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors collects every problem found with a submission so they
// can be shown together.
type ValidationErrors []FieldError

func (e *ValidationErrors) Add(field, message string) {
	*e = append(*e, FieldError{Field: field, Message: message})
}

func (e ValidationErrors) Error() string {
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Field + " " + fe.Message
	}
	return strings.Join(parts, "; ")
}

// Has reports whether any error was recorded for field.
func (e ValidationErrors) Has(field string) bool {
	for _, fe := range e {
		if fe.Field == field {
			return true
		}
	}
	return false
}

// ValidateScript checks the script-level fields. authors is the number of
// author links the script will have once saved.
func ValidateScript(script *models.Script, authors int) ValidationErrors {
	var errs ValidationErrors

	switch script.ScriptType {
	case models.ScriptTypePublic, models.ScriptTypeUnlisted, models.ScriptTypeLibrary:
	default:
		errs.Add("script_type", "is not a valid script type")
	}

	if script.Language != LanguageJS && script.Language != LanguageCSS {
		errs.Add("language", "must be js or css")
	}

	if utf8.RuneCountInString(script.Name) > MaxNameLength {
		errs.Add("name", fmt.Sprintf("is too long (maximum is %d characters)", MaxNameLength))
	}
	if utf8.RuneCountInString(script.Description) > MaxDescriptionLength {
		errs.Add("description", fmt.Sprintf("is too long (maximum is %d characters)", MaxDescriptionLength))
	}

	if authors < 1 {
		errs.Add("authors", "must have at least one author")
	}

	return errs
}

// ValidateVersion checks a candidate version against its script and the
// previously saved version, which is nil for a new script.
func ValidateVersion(script *models.Script, version, previous *models.ScriptVersion) ValidationErrors {
	var errs ValidationErrors

	if strings.TrimSpace(version.Code) == "" {
		errs.Add("code", "can't be blank")
		return errs
	}
	if len(version.Code) > MaxCodeLength {
		errs.Add("code", fmt.Sprintf("is too long (maximum is %d bytes)", MaxCodeLength))
	}

	meta, found := ParseMeta(version.Code, script.Language)
	needsMeta := !script.Library()
	if needsMeta && !found {
		errs.Add("code", "must contain a meta block")
	}

	if needsMeta && found {
		if meta.First("name") == "" {
			errs.Add("code", "must declare @name in the meta block")
		}
		if meta.First("description") == "" && script.Description == "" {
			errs.Add("code", "must declare @description in the meta block")
		}
	}

	if version.Version == "" && !version.AddMissingVersion {
		errs.Add("code", "must declare @version in the meta block")
	}
	if version.Namespace == "" && !version.AddMissingNamespace && !script.Library() {
		errs.Add("code", "must declare @namespace in the meta block")
	}

	if previous != nil {
		if !version.VersionCheckOverride && version.Version != "" && previous.Version != "" &&
			CompareVersions(version.Version, previous.Version) < 0 {
			errs.Add("code", fmt.Sprintf("version %s is lower than the previous version %s", version.Version, previous.Version))
		}
		if !version.NamespaceCheckOverride && previous.Namespace != "" && version.Namespace != previous.Namespace {
			errs.Add("code", fmt.Sprintf("namespace must not change from %s", previous.Namespace))
		}
	}

	if utf8.RuneCountInString(version.Changelog) > MaxChangelogLength {
		errs.Add("changelog", fmt.Sprintf("is too long (maximum is %d characters)", MaxChangelogLength))
	}

	for _, la := range version.LocalizedAttributes {
		if la.AttributeKey == models.AttributeAdditionalInfo &&
			utf8.RuneCountInString(la.AttributeValue) > MaxAdditionalInfoLength {
			errs.Add("additional_info", fmt.Sprintf("is too long (maximum is %d characters)", MaxAdditionalInfoLength))
			break
		}
	}

	if !version.MinifiedConfirmation && LooksMinified(version.Code) {
		errs.Add("code", "appears to be minified; confirm to post it anyway")
	}

	return errs
}

// LooksMinified flags code whose lines are far longer than hand-written
// code tends to be.
func LooksMinified(code string) bool {
	if len(code) < 1000 {
		return false
	}
	lines := strings.Count(code, "\n") + 1
	return len(code)/lines > 250
}
