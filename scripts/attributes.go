package scripts

import (
	"strings"

	"scriptorium/models"
)

// AdditionalInfoInput is one submitted additional-info entry.
type AdditionalInfoInput struct {
	Locale  string `form:"locale" json:"locale"`
	Value   string `form:"attribute_value" json:"attribute_value"`
	Default bool   `form:"attribute_default" json:"attribute_default"`
	Markup  string `form:"value_markup" json:"value_markup"`
}

// AttributeOps lists the changes that turn one set of additional-info
// entries into another.
type AttributeOps struct {
	Remove []models.LocalizedAttribute
	Add    []models.LocalizedAttribute
}

func (o AttributeOps) Empty() bool {
	return len(o.Remove) == 0 && len(o.Add) == 0
}

// DesiredAdditionalInfo turns the submitted entries into the set the new
// version should carry. Entries without a locale fall back to
// scriptLocale. When saving, blank entries are dropped; previews keep them
// so the form can show the empty field.
func DesiredAdditionalInfo(inputs []AdditionalInfoInput, scriptLocale string, saving bool) []models.LocalizedAttribute {
	desired := make([]models.LocalizedAttribute, 0, len(inputs))
	for _, in := range inputs {
		if saving && strings.TrimSpace(in.Value) == "" {
			continue
		}
		locale := in.Locale
		if locale == "" {
			locale = scriptLocale
		}
		markup := in.Markup
		if markup == "" {
			markup = MarkupText
		}
		desired = append(desired, models.LocalizedAttribute{
			AttributeKey:     models.AttributeAdditionalInfo,
			AttributeValue:   in.Value,
			AttributeDefault: in.Default,
			LocaleCode:       locale,
			ValueMarkup:      markup,
		})
	}
	return desired
}

// DiffAttributes computes the ops from current to desired. Entries equal
// in every field are left alone; everything else in current is removed
// and everything else in desired is added.
func DiffAttributes(current, desired []models.LocalizedAttribute) AttributeOps {
	var ops AttributeOps

	unmatched := make([]bool, len(desired))
	for i := range unmatched {
		unmatched[i] = true
	}

	for _, cur := range current {
		matched := false
		for i, want := range desired {
			if unmatched[i] && cur == want {
				unmatched[i] = false
				matched = true
				break
			}
		}
		if !matched {
			ops.Remove = append(ops.Remove, cur)
		}
	}

	for i, want := range desired {
		if unmatched[i] {
			ops.Add = append(ops.Add, want)
		}
	}

	return ops
}

// ApplyAdditionalInfoOps applies ops to the additional-info entries of
// version, leaving its other localized attributes alone.
func ApplyAdditionalInfoOps(version *models.ScriptVersion, ops AttributeOps) {
	removed := make([]bool, len(ops.Remove))

	kept := make([]models.VersionLocalizedAttribute, 0, len(version.LocalizedAttributes)+len(ops.Add))
	for _, la := range version.LocalizedAttributes {
		drop := false
		if la.AttributeKey == models.AttributeAdditionalInfo {
			for i, r := range ops.Remove {
				if !removed[i] && la.LocalizedAttribute == r {
					removed[i] = true
					drop = true
					break
				}
			}
		}
		if !drop {
			kept = append(kept, la)
		}
	}

	for _, a := range ops.Add {
		kept = append(kept, models.VersionLocalizedAttribute{LocalizedAttribute: a})
	}
	version.LocalizedAttributes = kept
}

// CurrentAdditionalInfo returns the additional-info entries of version.
func CurrentAdditionalInfo(version *models.ScriptVersion) []models.LocalizedAttribute {
	var current []models.LocalizedAttribute
	for _, la := range version.LocalizedAttributes {
		if la.AttributeKey == models.AttributeAdditionalInfo {
			current = append(current, la.LocalizedAttribute)
		}
	}
	return current
}

// EnsureDefaultAdditionalInfo adds an empty default entry for the form
// when the version has none.
func EnsureDefaultAdditionalInfo(version *models.ScriptVersion, locale, markup string) {
	for _, la := range version.LocalizedAttributes {
		if la.AttributeKey == models.AttributeAdditionalInfo && la.AttributeDefault {
			return
		}
	}
	version.LocalizedAttributes = append(version.LocalizedAttributes, models.VersionLocalizedAttribute{
		LocalizedAttribute: models.LocalizedAttribute{
			AttributeKey:     models.AttributeAdditionalInfo,
			AttributeDefault: true,
			LocaleCode:       locale,
			ValueMarkup:      markup,
		},
	})
}
