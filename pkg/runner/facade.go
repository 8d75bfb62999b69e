package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/nce-project/nce/pkg/shell"
)

// ExecuteCommands is the single entry point the calling layer uses: run an
// ordered list of literal commands against one device and render the
// outcome as text. On success the text concatenates one block per
// successful command; on failure it describes the first failed command.
// The returned error is non-nil only when the session could not be
// established.
func (r *Runner) ExecuteCommands(ctx context.Context, commands []string, deviceAddr, username, password, equipmentType string) (string, error) {
	report, err := r.Run(ctx, BatchRequest{
		Commands:      commands,
		EquipmentType: equipmentType,
		Device: shell.Config{
			Addr:     deviceAddr,
			User:     username,
			Password: password,
		},
	})
	if err != nil {
		return "", err
	}
	return RenderReport(report), nil
}

// RenderReport formats a report for a human or chat-facing caller.
func RenderReport(report Report) string {
	if report.Success {
		blocks := make([]string, 0, len(report.Results))
		for _, res := range report.Results {
			if !res.Success {
				continue
			}
			blocks = append(blocks, fmt.Sprintf("Command: %s\nOutput: %s\n", res.Command, res.Output))
		}
		return strings.Join(blocks, "\n")
	}

	for _, res := range report.Results {
		if res.Success {
			continue
		}
		detail := res.Output
		if detail == "" {
			detail = res.Reason
		}
		return fmt.Sprintf("command %q failed: %s", res.Command, detail)
	}
	reason := report.Error
	if reason == "" {
		reason = "unknown error"
	}
	return fmt.Sprintf("command execution failed: %s", reason)
}
