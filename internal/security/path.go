package security

import (
	"errors"
	"path/filepath"
	"strings"
)

var (
	ErrPathTraversal = errors.New("path traversal detected")
	ErrAbsolutePath  = errors.New("absolute paths are not allowed")
	ErrReservedName  = errors.New("reserved filename not allowed")
	ErrHyphenPrefix  = errors.New("filename cannot start with hyphen")

	windowsReservedNames = map[string]bool{
		"con": true, "prn": true, "aux": true, "nul": true,
		"com1": true, "com2": true, "com3": true, "com4": true,
		"com5": true, "com6": true, "com7": true, "com8": true, "com9": true,
		"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true,
		"lpt5": true, "lpt6": true, "lpt7": true, "lpt8": true, "lpt9": true,
	}
)

// ValidateRelativePath checks a path that will be joined under an export
// directory.
func ValidateRelativePath(path string) error {
	if filepath.IsAbs(path) {
		return ErrAbsolutePath
	}
	cleaned := filepath.Clean(path)
	if strings.HasPrefix(cleaned, "..") || strings.Contains(path, "..") {
		return ErrPathTraversal
	}

	base := filepath.Base(cleaned)
	if windowsReservedNames[stem(base)] {
		return ErrReservedName
	}
	if strings.HasPrefix(base, "-") {
		return ErrHyphenPrefix
	}
	return nil
}

// SanitizeFilename turns an arbitrary id into a safe file name component.
func SanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"..", "_", "/", "-", "\\", "-", ":", "-",
		"*", "", "?", "", "\"", "",
		"<", "", ">", "", "|", "", "\x00", "",
	)
	sanitized := replacer.Replace(name)
	sanitized = strings.TrimLeft(sanitized, ".-")
	sanitized = strings.TrimRight(sanitized, ". ")

	if windowsReservedNames[stem(sanitized)] {
		sanitized += "_"
	}
	if sanitized == "" {
		sanitized = "entry"
	}
	return sanitized
}

// ExportPath returns dir/<sanitized id>.json after validating the relative
// part.
func ExportPath(dir, id string) (string, error) {
	name := SanitizeFilename(id) + ".json"
	if err := ValidateRelativePath(name); err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

func stem(base string) string {
	return strings.TrimSuffix(strings.ToLower(base), filepath.Ext(base))
}
