package validation

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds the plausibility rules applied to extracted fields.
type Config struct {
	// FutureHorizon is the clock-skew tolerance for receipt dates.
	FutureHorizon time.Duration `validate:"gte=0"`
	// PastHorizon marks older dates as suspicious.
	PastHorizon     time.Duration `validate:"gt=0"`
	DefaultCurrency string        `validate:"required,iso4217"`
	// ReviewThreshold is the overall confidence below which a record is
	// flagged for review.
	ReviewThreshold float64   `validate:"gte=0,lte=1"`
	Taxonomy        *Taxonomy `validate:"required"`
	// Vendors canonicalizes vendor names for every record.
	Vendors VendorMatcher
	Now     func() time.Time
}

// DefaultConfig returns the horizons, currency and taxonomy used when none are configured.
func DefaultConfig() Config {
	return Config{
		FutureHorizon:   24 * time.Hour,
		PastHorizon:     10 * 365 * 24 * time.Hour,
		DefaultCurrency: "USD",
		ReviewThreshold: 0.8,
		Taxonomy:        DefaultTaxonomy(),
		Now:             time.Now,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c Config) check() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid validation config: %w", err)
	}
	return nil
}
