package scripts

import (
	"strings"
	"unicode/utf8"

	"scriptorium/common"
)

// MaxFilenameLength is the longest upload filename stem kept as is.
const MaxFilenameLength = 50

// DecodeUpload returns uploaded code as text, failing with an encoding
// error when it is not UTF-8.
func DecodeUpload(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", common.NewError(common.KindEncoding,
			common.WithMessage("the uploaded file is not UTF-8 encoded"))
	}
	return string(data), nil
}

// FixFilename shortens long upload filenames. The stem, everything before
// the first dot, is cut and the extension is kept.
func FixFilename(name string) string {
	if len(name) <= MaxFilenameLength {
		return name
	}

	stem, ext, hasExt := strings.Cut(name, ".")
	stem = truncateUTF8(stem, MaxFilenameLength+1)
	if hasExt {
		return stem + "." + ext
	}
	return stem
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
