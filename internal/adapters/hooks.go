package adapters

import (
	"context"
	"errors"

	"portal_intelligence/internal/intelligence/domain"
	"portal_intelligence/internal/intelligence/ports"
)

// PostProcessHooks fans a notification out to every hook. All hooks run and
// their errors are joined.
type PostProcessHooks []ports.PostProcessHook

var _ ports.PostProcessHook = PostProcessHooks(nil)

func (hs PostProcessHooks) ActivityProcessed(ctx context.Context, item domain.QueueItem) error {
	var errs []error
	for _, h := range hs {
		if h == nil {
			continue
		}
		if err := h.ActivityProcessed(ctx, item); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (hs PostProcessHooks) OpportunityReprocessed(ctx context.Context, item domain.QueueItem) error {
	var errs []error
	for _, h := range hs {
		if h == nil {
			continue
		}
		if err := h.OpportunityReprocessed(ctx, item); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
