// Package validation checks names before they reach a process spawn.
// Every check is a go-playground/validator custom tag so rule structs and
// plain strings share one rule set.
package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Custom tags.
const (
	TagServiceName    = "svcname"     // systemd unit names
	TagProcessPattern = "procpattern" // pgrep patterns
	TagModuleName     = "modname"     // kernel module names
	TagPackageName    = "pkgname"     // distribution package names
	TagSafePath       = "safepath"    // filesystem paths passed to helpers
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid input")

// shellDangerous are characters never allowed in a safe path.
const shellDangerous = ";|&$`(){}[]<>\n\r*?~!#'\"\\"

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation(TagServiceName, charsetValidator(isAlnum, "-_.@"))
	_ = validate.RegisterValidation(TagProcessPattern, charsetValidator(isAlnum, "-_.*?"))
	_ = validate.RegisterValidation(TagModuleName, charsetValidator(isAlnum, "-_"))
	_ = validate.RegisterValidation(TagPackageName, charsetValidator(isAlnum, "-_.+:"))
	_ = validate.RegisterValidation(TagSafePath, validateSafePath)
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// charsetValidator accepts non-empty ASCII strings made of alphanumerics
// and the given punctuation.
func charsetValidator(base func(rune) bool, extra string) validator.Func {
	return func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if s == "" {
			return false
		}
		for _, r := range s {
			if !base(r) && !strings.ContainsRune(extra, r) {
				return false
			}
		}
		return true
	}
}

func validateSafePath(fl validator.FieldLevel) bool {
	p := fl.Field().String()
	return p != "" && !strings.ContainsAny(p, shellDangerous)
}

// Var validates a single value against a tag.
func Var(value, tag string) error {
	if err := validate.Var(value, tag); err != nil {
		return fmt.Errorf("%w: %q fails %s", ErrInvalid, value, tag)
	}
	return nil
}

// Struct validates a struct carrying validate tags.
func Struct(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// ServiceName validates a systemd unit name.
func ServiceName(name string) error { return Var(name, TagServiceName) }

// ProcessPattern validates a pgrep pattern.
func ProcessPattern(pattern string) error { return Var(pattern, TagProcessPattern) }

// ModuleName validates a kernel module name.
func ModuleName(name string) error { return Var(name, TagModuleName) }

// PackageName validates a package name.
func PackageName(name string) error { return Var(name, TagPackageName) }

// SafePath validates a path handed to a helper process.
func SafePath(path string) error { return Var(path, TagSafePath) }
