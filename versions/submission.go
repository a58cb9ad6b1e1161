package versions

import (
	"scriptorium/models"
	"scriptorium/scripts"
)

// Submission is everything a version form can carry. Optional fields are
// pointers so "not sent" differs from "sent empty".
type Submission struct {
	// ScriptID is nil when the submission creates a new script.
	ScriptID   *int
	Language   string
	ScriptType int
	LocaleCode *string

	AdultContentSelfReport    bool
	NotAdultContentSelfReport bool

	Code string
	// CodeUpload replaces Code when a file was uploaded.
	CodeUpload      []byte
	Changelog       string
	ChangelogMarkup string
	Overrides       Overrides

	// Name and Description are read for libraries only.
	Name        *string
	Description *string

	AdditionalInfo []scripts.AdditionalInfoInput

	ScreenshotCaptions map[int]string
	RemoveScreenshots  map[int]bool
	NewScreenshots     []ScreenshotUpload

	Preview           bool
	AddAdditionalInfo bool

	CaptchaResponse string
	RemoteIP        string
}

// Overrides are the checks an author may explicitly waive.
type Overrides struct {
	VersionCheck              bool
	AddMissingVersion         bool
	NamespaceCheck            bool
	AddMissingNamespace       bool
	MinifiedConfirmation      bool
	SensitiveSiteConfirmation bool
	NotJSConvertible          bool
	AllowCodePreviouslyPosted bool
}

func (o Overrides) applyTo(v *models.ScriptVersion) {
	v.VersionCheckOverride = o.VersionCheck
	v.AddMissingVersion = o.AddMissingVersion
	v.NamespaceCheckOverride = o.NamespaceCheck
	v.AddMissingNamespace = o.AddMissingNamespace
	v.MinifiedConfirmation = o.MinifiedConfirmation
	v.SensitiveSiteConfirmation = o.SensitiveSiteConfirmation
	v.NotJSConvertibleOverride = o.NotJSConvertible
	v.AllowCodePreviouslyPosted = o.AllowCodePreviouslyPosted
}

type ScreenshotUpload struct {
	Filename string
	Data     []byte
	Caption  string
}

// SaveRecord is false for previews and "add another info field" requests,
// which only redisplay the form.
func (s *Submission) SaveRecord() bool {
	return !s.Preview && !s.AddAdditionalInfo
}
