package audit

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/script-cpu-analyzer/internal/analysis"
)

// Emulation describes the viewport, user agent and CPU slowdown applied for a device.
type Emulation struct {
	Width             int64
	Height            int64
	DeviceScaleFactor float64
	Mobile            bool
	UserAgent         string
	CPUSlowdown       float64
}

const (
	desktopUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	mobileUserAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 " +
		"(KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"
)

// EmulationFor returns the emulation settings for a device.
func EmulationFor(device analysis.Device) (Emulation, error) {
	switch device {
	case analysis.DeviceDesktop:
		return Emulation{
			Width:             1350,
			Height:            940,
			DeviceScaleFactor: 1,
			UserAgent:         desktopUserAgent,
			CPUSlowdown:       1,
		}, nil
	case analysis.DeviceMobile:
		return Emulation{
			Width:             390,
			Height:            844,
			DeviceScaleFactor: 3,
			Mobile:            true,
			UserAgent:         mobileUserAgent,
			CPUSlowdown:       2,
		}, nil
	default:
		return Emulation{}, fmt.Errorf("unknown device %q", device)
	}
}

func (e Emulation) action() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := emulation.SetDeviceMetricsOverride(e.Width, e.Height, e.DeviceScaleFactor, e.Mobile).Do(ctx); err != nil {
			return fmt.Errorf("set device metrics: %w", err)
		}
		if err := emulation.SetUserAgentOverride(e.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		if e.Mobile {
			if err := emulation.SetTouchEmulationEnabled(true).Do(ctx); err != nil {
				return fmt.Errorf("enable touch: %w", err)
			}
		}
		if err := emulation.SetCPUThrottlingRate(e.CPUSlowdown).Do(ctx); err != nil {
			return fmt.Errorf("set cpu throttling: %w", err)
		}
		return nil
	})
}
