package notify

import (
	"context"
	"fmt"
	"os/exec"
)

// Desktop posts notifications through notify-send.
type Desktop struct {
	AppName string
}

func (d Desktop) Notify(ctx context.Context, summary, body string) error {
	app := d.AppName
	if app == "" {
		app = "halo"
	}

	cmd := exec.CommandContext(ctx, "notify-send", "-a", app, "-u", "critical", summary, body)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("notify-send: %w: %s", err, out)
	}
	return nil
}
