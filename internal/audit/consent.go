package audit

import (
	"context"
	"errors"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// consentAction loads the page, clicks the consent control when it shows up and waits for
// the banner to settle. A selector that never becomes visible is not an error.
func (b *chromeBrowser) consentAction(url, selector string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := chromedp.Navigate(url).Do(ctx); err != nil {
			return err
		}
		waitCtx, cancel := context.WithTimeout(ctx, b.cfg.ConsentTimeout)
		defer cancel()
		err := chromedp.WaitVisible(selector, chromedp.ByQuery).Do(waitCtx)
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				b.logger.Info("consent selector not visible, continuing without consent",
					zap.String("selector", selector), zap.String("url", url))
				return nil
			}
			return err
		}
		if err := chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible).Do(ctx); err != nil {
			return err
		}
		return sleep(ctx, b.cfg.ConsentDelay)
	})
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
