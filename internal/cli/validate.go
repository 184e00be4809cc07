package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aretw0/tessera/internal/config"
	"github.com/aretw0/tessera/internal/validator"
)

// Validate loads the catalog named by cfg and checks it without starting
// a runtime.
func Validate(ctx context.Context, cfg config.Config) (validator.Report, error) {
	src, err := LoadSources(cfg)
	if err != nil {
		return validator.Report{}, err
	}
	return validate(ctx, cfg, src)
}

func validate(ctx context.Context, cfg config.Config, src Sources) (validator.Report, error) {
	specs, err := src.Specs(ctx)
	if err != nil {
		return validator.Report{}, err
	}
	return validator.Validate(validator.Catalog{
		Specs:           specs,
		Commands:        src.Commands,
		Rules:           src.Rules,
		DefaultDeadline: cfg.Catalog.DefaultDeadline,
	}), nil
}

// PrintReport writes rep to w and returns its error.
func PrintReport(w io.Writer, rep validator.Report) error {
	for _, warn := range rep.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
	if err := rep.Err(); err != nil {
		return err
	}
	fmt.Fprintln(w, "Catalog is valid! ✅")
	return nil
}

// WatchValidate re-validates whenever a document in the Loam catalog
// changes, until ctx is done. Bursts of changes are coalesced.
func WatchValidate(ctx context.Context, cfg config.Config, w io.Writer, logger *slog.Logger) error {
	src, err := LoadSources(cfg)
	if err != nil {
		return err
	}
	if src.Dir == nil {
		return fmt.Errorf("--watch needs catalog.dir")
	}

	check := func() {
		rep, err := validate(ctx, cfg, src)
		if err != nil {
			fmt.Fprintf(w, "Validation failed: %v\n", err)
			return
		}
		if err := PrintReport(w, rep); err != nil {
			fmt.Fprintf(w, "Validation failed: %v\n", err)
		}
	}
	check()

	events, err := src.Dir.Watch(ctx)
	if err != nil {
		return err
	}
	printSystemMessage(w, "Watching '%s' for changes.", cfg.Catalog.Dir)

	const debounce = 200 * time.Millisecond
	var timer <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case id, ok := <-events:
			if !ok {
				return nil
			}
			logger.Debug("Catalog changed", "document", id)
			timer = time.After(debounce)
		case <-timer:
			timer = nil
			printSystemMessage(w, "Catalog changed, validating...")
			check()
		}
	}
}
