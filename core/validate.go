package core

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// describe flattens validator field errors into one readable line.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s is %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

// ValidateProfile rejects profiles the BAC model cannot use.
func ValidateProfile(p Profile) error {
	if err := validatorInstance().Struct(p); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidProfile, describe(err))
	}
	return nil
}

// ValidateDrink checks a drink entry before it is persisted.
func ValidateDrink(d DrinkEntry) error {
	if err := validatorInstance().Struct(d); err != nil {
		return fmt.Errorf("invalid drink: %s", describe(err))
	}
	return nil
}

// ValidateSession checks that a session has an id and ends after it starts.
func ValidateSession(s Session) error {
	if err := validatorInstance().Struct(s); err != nil {
		return fmt.Errorf("invalid session: %s", describe(err))
	}
	return nil
}

// ValidateBadge checks a badge definition including its criteria document.
func ValidateBadge(b Badge) error {
	if err := validatorInstance().Struct(b); err != nil {
		return fmt.Errorf("invalid badge %q: %s", b.ID, describe(err))
	}
	if err := ValidateBadgeCode(b.Code); err != nil {
		return fmt.Errorf("invalid badge %q: %w", b.ID, err)
	}
	if err := b.Criteria.Validate(); err != nil {
		return fmt.Errorf("invalid badge %q: %w", b.ID, err)
	}
	return nil
}
