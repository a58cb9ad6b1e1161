package versions

import (
	"fmt"
	"io"
	"mime/multipart"
	"strconv"

	"github.com/gin-gonic/gin"

	"scriptorium/scripts"
)

// bindSubmission reads a version form. Checkboxes count as set when sent
// as "1", "true" or "on".
func bindSubmission(c *gin.Context) (*Submission, error) {
	sub := &Submission{
		Language:        c.DefaultPostForm("language", c.Query("language")),
		Code:            c.PostForm("code"),
		Changelog:       c.PostForm("changelog"),
		ChangelogMarkup: c.PostForm("changelog_markup"),
		Overrides: Overrides{
			VersionCheck:              formFlag(c, "version_check_override"),
			AddMissingVersion:         formFlag(c, "add_missing_version"),
			NamespaceCheck:            formFlag(c, "namespace_check_override"),
			AddMissingNamespace:       formFlag(c, "add_missing_namespace"),
			MinifiedConfirmation:      formFlag(c, "minified_confirmation"),
			SensitiveSiteConfirmation: formFlag(c, "sensitive_site_confirmation"),
			NotJSConvertible:          formFlag(c, "not_js_convertible_override"),
			AllowCodePreviouslyPosted: formFlag(c, "allow_code_previously_posted"),
		},
		AdultContentSelfReport:    formFlag(c, "adult_content_self_report"),
		NotAdultContentSelfReport: formFlag(c, "not_adult_content_self_report"),
		CaptchaResponse:           c.PostForm("g-recaptcha-response"),
		RemoteIP:                  c.ClientIP(),
	}

	if raw := c.Param("scriptID"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid script id %q", raw)
		}
		sub.ScriptID = &id
	}

	if raw := c.PostForm("script_type"); raw != "" {
		scriptType, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid script type %q", raw)
		}
		sub.ScriptType = scriptType
	}
	if locale, ok := c.GetPostForm("locale"); ok {
		sub.LocaleCode = &locale
	}
	if name, ok := c.GetPostForm("name"); ok {
		sub.Name = &name
	}
	if description, ok := c.GetPostForm("description"); ok {
		sub.Description = &description
	}

	_, sub.Preview = c.GetPostForm("preview")
	_, sub.AddAdditionalInfo = c.GetPostForm("add_additional_info")

	sub.AdditionalInfo = bindAdditionalInfo(c)

	var err error
	if sub.ScreenshotCaptions, err = intKeyed(c.PostFormMap("screenshot_captions")); err != nil {
		return nil, err
	}
	removals, err := intKeyed(c.PostFormMap("remove_screenshot"))
	if err != nil {
		return nil, err
	}
	sub.RemoveScreenshots = make(map[int]bool, len(removals))
	for id, v := range removals {
		sub.RemoveScreenshots[id] = v == "1" || v == "true" || v == "on"
	}

	if header, err := c.FormFile("code_upload"); err == nil {
		data, err := readUpload(header, scripts.MaxCodeLength+1)
		if err != nil {
			return nil, err
		}
		sub.CodeUpload = data
	}

	if form, err := c.MultipartForm(); err == nil {
		captions := form.Value["new_screenshot_captions"]
		for i, header := range form.File["screenshots"] {
			data, err := readUpload(header, maxScreenshotSize)
			if err != nil {
				return nil, err
			}
			upload := ScreenshotUpload{Filename: header.Filename, Data: data}
			if i < len(captions) {
				upload.Caption = captions[i]
			}
			sub.NewScreenshots = append(sub.NewScreenshots, upload)
		}
	}

	return sub, nil
}

const maxScreenshotSize = 5 << 20

// bindAdditionalInfo zips the parallel additional_info_* arrays.
// additional_info_default holds the index of the default entry.
func bindAdditionalInfo(c *gin.Context) []scripts.AdditionalInfoInput {
	values := c.PostFormArray("additional_info_value")
	locales := c.PostFormArray("additional_info_locale")
	markups := c.PostFormArray("additional_info_markup")
	def, err := strconv.Atoi(c.DefaultPostForm("additional_info_default", "0"))
	if err != nil {
		def = 0
	}

	inputs := make([]scripts.AdditionalInfoInput, 0, len(values))
	for i, value := range values {
		in := scripts.AdditionalInfoInput{Value: value, Default: i == def}
		if i < len(locales) {
			in.Locale = locales[i]
		}
		if i < len(markups) {
			in.Markup = markups[i]
		}
		inputs = append(inputs, in)
	}
	return inputs
}

func formFlag(c *gin.Context, key string) bool {
	switch c.PostForm(key) {
	case "1", "true", "on":
		return true
	}
	return false
}

func intKeyed(m map[string]string) (map[int]string, error) {
	out := make(map[int]string, len(m))
	for k, v := range m {
		id, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("invalid screenshot id %q", k)
		}
		out[id] = v
	}
	return out, nil
}

func readUpload(header *multipart.FileHeader, limit int64) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, limit))
}
