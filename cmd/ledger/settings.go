package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/zombor/receipt-ledger/internal/api"
	"github.com/zombor/receipt-ledger/internal/pipeline"
	"github.com/zombor/receipt-ledger/internal/receipt"
	"github.com/zombor/receipt-ledger/internal/validation"
)

// rawSettings are the flag values that need parsing before use.
type rawSettings struct {
	Environment     string `validate:"oneof=dev staging production"`
	MaxUploadMB     int    `validate:"gte=1,lte=100"`
	FrontendURL     string `validate:"omitempty,http_url"`
	AllowedTypes    string
	RetryAttempts   int
	InitialBackoff  string
	MaxBackoff      string
	AttemptTimeout  string
	StaleAfter      string
	SweepInterval   string
	FutureHorizon   string
	PastHorizon     string
	DefaultCurrency string
	ReviewThreshold string
	CategoriesFile  string
}

type settings struct {
	Pipeline      pipeline.Config
	Validator     *validation.Validator
	MaxUpload     int64
	AllowedTypes  []string
	CORS          api.CORS
	SweepInterval time.Duration
}

func parseSettings(raw rawSettings) (*settings, error) {
	if err := validator.New().Struct(raw); err != nil {
		return nil, err
	}

	durations := map[string]string{
		"initial-backoff": raw.InitialBackoff,
		"max-backoff":     raw.MaxBackoff,
		"attempt-timeout": raw.AttemptTimeout,
		"stale-after":     raw.StaleAfter,
		"sweep-interval":  raw.SweepInterval,
		"future-horizon":  raw.FutureHorizon,
		"past-horizon":    raw.PastHorizon,
	}
	parsed := make(map[string]time.Duration, len(durations))
	for name, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", name, err)
		}
		parsed[name] = d
	}

	allowedTypes, err := parseAllowedTypes(raw.AllowedTypes)
	if err != nil {
		return nil, err
	}

	threshold, err := strconv.ParseFloat(raw.ReviewThreshold, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing review-threshold: %w", err)
	}

	taxonomy := validation.DefaultTaxonomy()
	if raw.CategoriesFile != "" {
		if taxonomy, err = validation.LoadTaxonomy(raw.CategoriesFile); err != nil {
			return nil, fmt.Errorf("loading categories: %w", err)
		}
	}

	vcfg := validation.DefaultConfig()
	vcfg.FutureHorizon = parsed["future-horizon"]
	vcfg.PastHorizon = parsed["past-horizon"]
	vcfg.DefaultCurrency = raw.DefaultCurrency
	vcfg.ReviewThreshold = threshold
	vcfg.Taxonomy = taxonomy
	v, err := validation.NewValidator(vcfg)
	if err != nil {
		return nil, err
	}

	return &settings{
		Pipeline: pipeline.Config{
			RetryAttempts:  raw.RetryAttempts,
			InitialBackoff: parsed["initial-backoff"],
			MaxBackoff:     parsed["max-backoff"],
			AttemptTimeout: parsed["attempt-timeout"],
			StaleAfter:     parsed["stale-after"],
		},
		Validator:     v,
		MaxUpload:     int64(raw.MaxUploadMB) << 20,
		AllowedTypes:  allowedTypes,
		CORS: api.CORS{
			FrontendURL:    raw.FrontendURL,
			AllowLocalhost: raw.Environment == "dev",
		},
		SweepInterval: parsed["sweep-interval"],
	}, nil
}

// parseAllowedTypes splits a comma separated list of upload content types.
func parseAllowedTypes(list string) ([]string, error) {
	var types []string
	for _, t := range strings.Split(list, ",") {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if !receipt.SupportedType(t) {
			return nil, fmt.Errorf("parsing allowed-types: %q cannot be processed", t)
		}
		types = append(types, t)
	}
	if len(types) == 0 {
		return nil, fmt.Errorf("parsing allowed-types: no content types given")
	}
	return types, nil
}
