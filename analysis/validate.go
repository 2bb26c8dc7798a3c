package analysis

import (
	"fmt"
	"strings"

	"github.com/hazyhaar/brandscope/safeurl"
)

const (
	maxBrandNameLen   = 120
	maxTargetLen      = 2048
	maxIndustryLen    = 80
	maxDescriptionLen = 2000
	maxSeedKeywords   = 15
	maxKeywordLen     = 80
	maxLocaleLen      = 16
)

// validateInput is the validation gate. It is pure: a rejection has no
// side effect beyond the audit row the caller writes.
func validateInput(in *QuestionnaireInput) error {
	in.BrandName = strings.TrimSpace(in.BrandName)
	in.Target = strings.TrimSpace(in.Target)
	in.Industry = strings.TrimSpace(in.Industry)
	in.Description = strings.TrimSpace(in.Description)
	in.Locale = strings.TrimSpace(in.Locale)

	if in.BrandName == "" {
		return fmt.Errorf("%w: brand_name is required", ErrInvalidInput)
	}
	if len(in.BrandName) > maxBrandNameLen {
		return fmt.Errorf("%w: brand_name exceeds %d characters", ErrInvalidInput, maxBrandNameLen)
	}

	if in.Target == "" {
		return fmt.Errorf("%w: target is required", ErrInvalidInput)
	}
	if len(in.Target) > maxTargetLen {
		return fmt.Errorf("%w: target exceeds %d characters", ErrInvalidInput, maxTargetLen)
	}
	if err := safeurl.Validate(in.Target); err != nil {
		return fmt.Errorf("%w: target: %v", ErrInvalidInput, err)
	}

	if in.Industry == "" {
		return fmt.Errorf("%w: industry is required", ErrInvalidInput)
	}
	if len(in.Industry) > maxIndustryLen {
		return fmt.Errorf("%w: industry exceeds %d characters", ErrInvalidInput, maxIndustryLen)
	}

	if len(in.Description) > maxDescriptionLen {
		return fmt.Errorf("%w: description exceeds %d characters", ErrInvalidInput, maxDescriptionLen)
	}
	if len(in.Locale) > maxLocaleLen {
		return fmt.Errorf("%w: locale exceeds %d characters", ErrInvalidInput, maxLocaleLen)
	}

	if len(in.Keywords) > maxSeedKeywords {
		return fmt.Errorf("%w: at most %d seed keywords", ErrInvalidInput, maxSeedKeywords)
	}
	for i, kw := range in.Keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			return fmt.Errorf("%w: keyword %d is empty", ErrInvalidInput, i+1)
		}
		if len(kw) > maxKeywordLen {
			return fmt.Errorf("%w: keyword %q exceeds %d characters", ErrInvalidInput, kw, maxKeywordLen)
		}
		in.Keywords[i] = kw
	}

	// Free-text fields are scanned for injection signatures. The target
	// URL is included: it is echoed into reports.
	scanned := append([]string{in.BrandName, in.Target, in.Description}, in.Keywords...)
	for _, field := range scanned {
		if matches := scanInjection(field); len(matches) > 0 {
			return fmt.Errorf("%w: input contains a disallowed pattern (%s)",
				ErrInvalidInput, matches[0])
		}
	}
	return nil
}
