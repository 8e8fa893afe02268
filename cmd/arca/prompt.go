package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/ternarybob/arca/internal/models"
)

// Interactive prompts read /dev/tty, not stdin: on ingest stdin the
// standard input carries the message payload.
func openTTY() (*os.File, error) {
	return os.OpenFile("/dev/tty", os.O_RDWR, 0)
}

func terminalAvailable() bool {
	tty, err := openTTY()
	if err != nil {
		return false
	}
	tty.Close()
	return true
}

// confirmCost approves advisor spend before any paid call goes out.
// Without a terminal the answer is no; --yes is the non-interactive
// way to approve.
func confirmCost(est models.CostEstimate) bool {
	tty, err := openTTY()
	if err != nil {
		fmt.Fprintln(os.Stderr, "no terminal to confirm advisor cost; re-run with --yes to approve")
		return false
	}
	defer tty.Close()

	fmt.Fprintf(tty, "Advisor will review %d item(s) via %s/%s (~%d tokens, ~$%.4f USD). Proceed? [y/N] ",
		est.Items, est.Provider, est.Model, est.EstimatedTokens, est.EstimatedUSD)
	line, err := bufio.NewReader(tty).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// promptWorkflow shows the classify verdict for one item and waits for
// the user: Enter accepts, a workflow name overrides, "s" archives
// nothing and records a skip example, "n" leaves the item untouched.
func promptWorkflow(item *models.Item, result *models.ClassifyResult) (string, bool) {
	tty, err := openTTY()
	if err != nil {
		// Terminal went away mid-run; accept the pipeline verdict.
		return "", true
	}
	defer tty.Close()

	fmt.Fprintf(tty, "\n%s\n", itemLabel(item))
	if result.Skip {
		fmt.Fprintf(tty, "  no confident match (%s)\n", result.SkipReason)
	} else {
		fmt.Fprintf(tty, "  classified %s via %s (%.2f)\n", result.WorkflowName, result.Method, result.Confidence)
	}
	for i, r := range result.Rankings {
		if i >= 3 {
			break
		}
		fmt.Fprintf(tty, "    %d. %s (%.2f)\n", i+1, r.WorkflowName, r.Score)
	}
	fmt.Fprint(tty, "  accept? [Enter=yes, s=skip, n=no, or workflow name] ")

	line, err := bufio.NewReader(tty).ReadString('\n')
	if err != nil {
		return "", false
	}
	switch answer := strings.TrimSpace(line); answer {
	case "":
		return "", true
	case "s", "skip":
		return models.SkipWorkflowName, true
	case "n", "no":
		return "", false
	default:
		return answer, true
	}
}

func itemLabel(item *models.Item) string {
	if s := item.Subject(); s != "" {
		return s
	}
	if id := item.MessageID(); id != "" {
		return fmt.Sprintf("%s %s", item.Source, id)
	}
	return item.Source + " item"
}
