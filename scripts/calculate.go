package scripts

import (
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"scriptorium/models"
)

// DeletedDescription stands in for the description of a deleted script
// that never had one, so the deletion path is not blocked by validation.
const DeletedDescription = "Deleted"

// HashCode is the fingerprint stored on every version and used to spot
// reposted code.
func HashCode(code string) string {
	return strconv.FormatUint(xxhash.Sum64String(code), 16)
}

// CalculateAll recomputes the derived fields of version from its code:
// version number, namespace, code hash and the localized name and
// description. previousDescription is used when the meta block carries
// no description, as is the case for most libraries.
func CalculateAll(script *models.Script, version *models.ScriptVersion, previousDescription string, now time.Time) {
	meta, _ := ParseMeta(version.Code, script.Language)

	version.CodeHash = HashCode(version.Code)

	version.Version = meta.First("version")
	if version.Version == "" && version.AddMissingVersion {
		version.Version = "0.0.1." + now.UTC().Format("20060102150405")
	}

	version.Namespace = meta.First("namespace")
	if version.Namespace == "" && version.AddMissingNamespace {
		version.Namespace = script.Namespace
	}

	attrs := make([]models.VersionLocalizedAttribute, 0, len(version.LocalizedAttributes))
	for _, la := range version.LocalizedAttributes {
		if la.AttributeKey != models.AttributeName && la.AttributeKey != models.AttributeDescription {
			attrs = append(attrs, la)
		}
	}

	locale := script.LocaleCode
	if name := meta.First("name"); name != "" {
		attrs = append(attrs, versionAttribute(models.AttributeName, name, locale, true))
	}
	for l, name := range meta.Localized("name") {
		attrs = append(attrs, versionAttribute(models.AttributeName, name, l, false))
	}

	description := meta.First("description")
	if description == "" {
		description = previousDescription
	}
	if description != "" {
		attrs = append(attrs, versionAttribute(models.AttributeDescription, description, locale, true))
	}
	for l, desc := range meta.Localized("description") {
		attrs = append(attrs, versionAttribute(models.AttributeDescription, desc, l, false))
	}

	version.LocalizedAttributes = attrs
}

// ApplyFromVersion copies the derived state of version onto script. Name
// and description are only replaced when the version has them, so a
// library's separately supplied values survive. A nil version leaves the
// script untouched.
func ApplyFromVersion(script *models.Script, version *models.ScriptVersion) {
	if version == nil {
		return
	}

	script.Version = version.Version
	script.Namespace = version.Namespace

	updated := version.CreatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	script.CodeUpdatedAt = &updated

	for _, key := range []string{models.AttributeName, models.AttributeDescription} {
		values := versionAttributes(version, key)
		if len(values) == 0 {
			continue
		}
		ReplaceScriptAttribute(script, key, values...)
	}
}

// ReplaceScriptAttribute drops every localized value of key from script
// and adds values in their place. With no values the key is just removed.
func ReplaceScriptAttribute(script *models.Script, key string, values ...models.LocalizedAttribute) {
	kept := make([]models.ScriptLocalizedAttribute, 0, len(script.LocalizedAttributes)+len(values))
	for _, la := range script.LocalizedAttributes {
		if la.AttributeKey != key {
			kept = append(kept, la)
		}
	}
	for _, v := range values {
		kept = append(kept, models.ScriptLocalizedAttribute{ScriptID: script.ID, LocalizedAttribute: v})
	}
	script.LocalizedAttributes = kept

	for _, v := range values {
		if !v.AttributeDefault {
			continue
		}
		switch key {
		case models.AttributeName:
			script.Name = v.AttributeValue
		case models.AttributeDescription:
			script.Description = v.AttributeValue
		}
	}
}

// TextAttribute builds a default plain-text localized value.
func TextAttribute(key, value, locale string) models.LocalizedAttribute {
	return models.LocalizedAttribute{
		AttributeKey:     key,
		AttributeValue:   value,
		AttributeDefault: true,
		LocaleCode:       locale,
		ValueMarkup:      MarkupText,
	}
}

func versionAttribute(key, value, locale string, def bool) models.VersionLocalizedAttribute {
	la := TextAttribute(key, value, locale)
	la.AttributeDefault = def
	return models.VersionLocalizedAttribute{LocalizedAttribute: la}
}

func versionAttributes(version *models.ScriptVersion, key string) []models.LocalizedAttribute {
	var values []models.LocalizedAttribute
	for _, la := range version.LocalizedAttributes {
		if la.AttributeKey == key {
			values = append(values, la.LocalizedAttribute)
		}
	}
	return values
}

// AdditionalInfo returns the default additional info of version and its
// markup.
func AdditionalInfo(version *models.ScriptVersion) (string, string) {
	var fallback *models.VersionLocalizedAttribute
	for i, la := range version.LocalizedAttributes {
		if la.AttributeKey != models.AttributeAdditionalInfo {
			continue
		}
		if la.AttributeDefault {
			return la.AttributeValue, la.ValueMarkup
		}
		if fallback == nil {
			fallback = &version.LocalizedAttributes[i]
		}
	}
	if fallback != nil {
		return fallback.AttributeValue, fallback.ValueMarkup
	}
	return "", MarkupText
}
