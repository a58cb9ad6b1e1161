package models

import (
	"strings"
	"time"
)

type Account struct {
	ID                int        `gorm:"primary_key;autoIncrement" json:"id"`
	Name              string     `gorm:"uniqueIndex;not null" json:"name"`
	Email             string     `gorm:"index" json:"-"`
	CanonicalEmail    string     `gorm:"index" json:"-"`
	EmailDomain       string     `gorm:"index" json:"-"`
	PasswordHash      string     `json:"-"`
	ConfirmedAt       *time.Time `json:"-"`
	ConfirmationToken string     `gorm:"index" json:"-"`
	SessionToken      string     `json:"-"` // rotated to invalidate every session
	BannedAt          *time.Time `gorm:"index" json:"banned_at,omitempty"`
	TrustedReports    bool       `gorm:"default:false" json:"-"`
	PreferredMarkup   string     `gorm:"not null;default:'markdown'" json:"-"` // html or markdown
	Moderator         bool       `gorm:"default:false" json:"moderator"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`

	Identities []Identity `json:"-"`
}

func (a *Account) Banned() bool {
	return a.BannedAt != nil
}

func (a *Account) Confirmed() bool {
	return a.ConfirmedAt != nil
}

type Identity struct {
	ID        int    `gorm:"primary_key;autoIncrement"`
	AccountID int    `gorm:"not null;index"`
	Provider  string `gorm:"not null"` // github, gitlab, google
	UID       string `gorm:"not null"`
	CreatedAt time.Time
}

const (
	BlockTypeConfirmation  = "confirmation"
	BlockTypeScriptPosting = "script_posting"
	BlockTypeRegister      = "register"
)

type SpammyEmailDomain struct {
	ID        int    `gorm:"primary_key;autoIncrement"`
	Domain    string `gorm:"uniqueIndex;not null"`
	BlockType string `gorm:"not null;default:'confirmation'"`
	CreatedAt time.Time
}

// BlocksScriptPosting reports whether accounts on this domain may never post.
func (d *SpammyEmailDomain) BlocksScriptPosting() bool {
	return d.BlockType == BlockTypeScriptPosting || d.BlockType == BlockTypeRegister
}

const (
	ScriptTypePublic   = 1
	ScriptTypeUnlisted = 2
	ScriptTypeLibrary  = 3
)

const (
	DeleteTypeKeep    = 1
	DeleteTypeBlanked = 2
)

type ReviewState string

const (
	ReviewStateNone     ReviewState = ""
	ReviewStateRequired ReviewState = "required"
	ReviewStateApproved ReviewState = "approved"
)

type Script struct {
	ID                            int         `gorm:"primary_key;autoIncrement" json:"id"`
	ScriptType                    int         `gorm:"not null;default:1" json:"script_type"`
	Language                      string      `gorm:"not null;default:'js'" json:"language"` // js or css
	LocaleCode                    string      `json:"locale"`
	Locked                        bool        `gorm:"default:false;index" json:"locked"`
	DeleteReason                  string      `json:"delete_reason,omitempty"`
	DeleteType                    *int        `json:"delete_type,omitempty"`
	ReviewState                   ReviewState `gorm:"default:''" json:"review_state"`
	AdultContentSelfReport        bool        `gorm:"default:false" json:"adult_content_self_report"`
	NotAdultContentSelfReportDate *time.Time  `json:"-"`

	// Derived from the newest saved version, see scripts.ApplyFromVersion.
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	Version       string     `json:"version"`
	Namespace     string     `json:"namespace"`
	CodeUpdatedAt *time.Time `json:"code_updated_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Authors             []Author                   `json:"authors,omitempty"`
	ScriptVersions      []ScriptVersion            `json:"-"`
	LocalizedAttributes []ScriptLocalizedAttribute `json:"-"`
}

func (s *Script) Deleted() bool {
	return s.DeleteType != nil
}

func (s *Script) Library() bool {
	return s.ScriptType == ScriptTypeLibrary
}

type Author struct {
	ID        int      `gorm:"primary_key;autoIncrement" json:"-"`
	ScriptID  int      `gorm:"not null;index" json:"-"`
	AccountID int      `gorm:"not null;index" json:"account_id"`
	Account   *Account `json:"account,omitempty"`
}

type ScriptVersion struct {
	ID              int    `gorm:"primary_key;autoIncrement" json:"id"`
	ScriptID        int    `gorm:"not null;index" json:"script_id"`
	Code            string `gorm:"type:text;not null" json:"-"`
	CodeHash        string `gorm:"index" json:"-"`
	Changelog       string `gorm:"type:text" json:"changelog"`
	ChangelogMarkup string `gorm:"default:'text'" json:"changelog_markup"`
	Version         string `json:"version"`
	Namespace       string `json:"namespace"`

	VersionCheckOverride      bool `gorm:"-" json:"-"`
	AddMissingVersion         bool `gorm:"-" json:"-"`
	NamespaceCheckOverride    bool `gorm:"-" json:"-"`
	AddMissingNamespace       bool `gorm:"-" json:"-"`
	MinifiedConfirmation      bool `gorm:"-" json:"-"`
	SensitiveSiteConfirmation bool `gorm:"-" json:"-"`
	NotJSConvertibleOverride  bool `json:"-"`
	AllowCodePreviouslyPosted bool `gorm:"-" json:"-"`

	CreatedAt time.Time `json:"created_at"`

	LocalizedAttributes []VersionLocalizedAttribute `json:"-"`
	Screenshots         []Screenshot                `gorm:"many2many:script_version_screenshots" json:"screenshots,omitempty"`
}

const (
	AttributeName           = "name"
	AttributeDescription    = "description"
	AttributeAdditionalInfo = "additional_info"
)

// LocalizedAttribute is a per-locale value of name, description or
// additional info.
type LocalizedAttribute struct {
	AttributeKey     string `gorm:"not null;index" json:"key"`
	AttributeValue   string `gorm:"type:text" json:"value"`
	AttributeDefault bool   `gorm:"default:false" json:"default"`
	LocaleCode       string `json:"locale"`
	ValueMarkup      string `gorm:"default:'text'" json:"markup"` // text, html or markdown
}

type ScriptLocalizedAttribute struct {
	ID       int `gorm:"primary_key;autoIncrement"`
	ScriptID int `gorm:"not null;index"`
	LocalizedAttribute
}

type VersionLocalizedAttribute struct {
	ID              int `gorm:"primary_key;autoIncrement"`
	ScriptVersionID int `gorm:"not null;index"`
	LocalizedAttribute
}

type Screenshot struct {
	ID        int       `gorm:"primary_key;autoIncrement" json:"id"`
	Filename  string    `gorm:"not null" json:"filename"`
	Path      string    `gorm:"not null" json:"-"`
	Caption   string    `json:"caption"`
	CreatedAt time.Time `json:"-"`
}

type ModeratorAction struct {
	ID            int       `gorm:"primary_key;autoIncrement" json:"id"`
	ModeratorID   int       `gorm:"not null;index" json:"moderator_id"`
	ScriptID      *int      `gorm:"index" json:"script_id,omitempty"`
	AccountID     *int      `gorm:"index" json:"account_id,omitempty"`
	Action        string    `gorm:"not null" json:"action"`
	Reason        string    `gorm:"type:text" json:"reason"`
	PrivateReason string    `gorm:"type:text" json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	ReportItemAccount = "account"
	ReportItemScript  = "script"
	ReportItemComment = "comment"
)

const (
	ReportResultDismissed = "dismissed"
	ReportResultUpheld    = "upheld"
)

type Report struct {
	ID          int        `gorm:"primary_key;autoIncrement" json:"id"`
	ReporterID  *int       `gorm:"index" json:"reporter_id,omitempty"`
	ItemType    string     `gorm:"not null;index:idx_report_item" json:"item_type"`
	ItemID      int        `gorm:"not null;index:idx_report_item" json:"item_id"`
	Reason      string     `gorm:"not null" json:"reason"`
	Explanation string     `gorm:"type:text" json:"explanation"`
	Result      *string    `gorm:"index" json:"result,omitempty"`
	ResolverID  *int       `json:"resolver_id,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (r *Report) Resolved() bool {
	return r.Result != nil
}

type BannedEmailHash struct {
	ID        int       `gorm:"primary_key;autoIncrement"`
	EmailHash string    `gorm:"uniqueIndex;not null"`
	BannedAt  time.Time `gorm:"not null"`
	DeletedAt time.Time `gorm:"not null"`
}

const (
	CheckResultReview = "review"
	CheckResultBlock  = "block"
	CheckResultBan    = "ban"
)

// BlockedScriptText is a moderator-maintained snippet the script checker
// looks for in submitted code.
type BlockedScriptText struct {
	ID            int    `gorm:"primary_key;autoIncrement"`
	Text          string `gorm:"type:text;not null"`
	PublicReason  string `gorm:"not null"`
	PrivateReason string
	Result        string `gorm:"not null"` // review, block or ban
	CreatedAt     time.Time
}

// EmailDomain returns the part of email after the last "@".
func EmailDomain(email string) string {
	if email == "" {
		return ""
	}
	return strings.ToLower(email[strings.LastIndex(email, "@")+1:])
}
