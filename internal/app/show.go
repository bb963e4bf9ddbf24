package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Show prints recent resolutions.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show resolutions")
	}
	if closeStore != nil {
		defer closeStore()
	}

	resolutions, err := store.ListRecentResolutions(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(resolutions) == 0 {
		fmt.Fprintln(os.Stdout, "no resolutions found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Resolved (UTC)\tMarket\tOutcome\tTrigger\tPrice\tSlot\tConfirmation")

	for _, res := range resolutions {
		price := "-"
		if res.Price != nil {
			price = res.Price.StringFixed(6)
		}
		ref := "-"
		if res.ConfirmationRef != nil {
			ref = sanitizeInline(*res.ConfirmationRef)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			res.ResolvedAt.UTC().Format(time.RFC3339),
			res.MarketID,
			strings.ToUpper(string(res.Outcome)),
			res.Trigger,
			price,
			res.SignerSlot,
			ref,
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
