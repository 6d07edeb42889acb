package main

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"
	"github.com/pterm/pterm/putils"

	"github.com/luca-patrignani/pow-consensus/node"
)

func printBanner(logger *slog.Logger) {
	title, err := pterm.DefaultBigText.WithLetters(
		putils.LettersFromStringWithStyle("P", pterm.FgRed.ToStyle()),
		putils.LettersFromStringWithStyle("o", pterm.FgDarkGray.ToStyle()),
		putils.LettersFromStringWithStyle("W", pterm.FgRed.ToStyle()),
	).Srender()
	if err != nil {
		logger.Error(err.Error())
		return
	}
	pterm.Print(title)
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return pterm.LightRed("never")
	}
	return d.Round(time.Millisecond).String()
}

func shortHash(h string) string {
	if len(h) <= 16 {
		return h
	}
	return h[:16] + "…"
}

func summaryRows(summaries []node.Summary) pterm.TableData {
	data := pterm.TableData{
		{"Peer", "Blocks", "Round", "Mined", "Min attempts", "Max attempts", "Avg attempts", "Active", "Connected", "Time", "Tail", "Reason"},
	}
	for _, s := range summaries {
		blocks := strconv.Itoa(s.Length)
		if s.VerifyErr != nil {
			blocks = pterm.LightRed(blocks + " (invalid)")
		}
		data = append(data, []string{
			strconv.Itoa(s.ID),
			blocks,
			strconv.FormatUint(s.Round, 10),
			strconv.Itoa(s.Stats.Mined),
			humanize.Comma(int64(s.Stats.MinAttempts)),
			humanize.Comma(int64(s.Stats.MaxAttempts)),
			humanize.CommafWithDigits(s.Stats.AvgAttempts, 1),
			formatDuration(s.ActiveAfter),
			formatDuration(s.FullyConnectedAfter),
			s.Stats.TotalTime.Round(time.Millisecond).String(),
			shortHash(s.Tail),
			s.Reason,
		})
	}
	return data
}

// agreement reports whether every peer ended with the same chain tail.
func agreement(summaries []node.Summary) bool {
	for _, s := range summaries[1:] {
		if s.Tail != summaries[0].Tail || s.Length != summaries[0].Length {
			return false
		}
	}
	return true
}

func printSummaries(summaries []node.Summary) {
	pterm.DefaultSection.Println("Mining statistics")
	if err := pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(summaryRows(summaries)).Render(); err != nil {
		pterm.Error.Println(err)
	}
	if len(summaries) < 2 {
		return
	}
	pbox := pterm.DefaultBox.WithLeftPadding(4).WithRightPadding(4).WithTopPadding(1).WithBottomPadding(1)
	if agreement(summaries) {
		pbox.WithTitle(pterm.LightGreen("|AGREEMENT|")).WithTitleTopCenter().Println(
			fmt.Sprintf("%d peers hold the same %d blocks", len(summaries), summaries[0].Length))
	} else {
		pbox.WithTitle(pterm.LightRed("|DIVERGENCE|")).WithTitleTopCenter().Println(
			"peers ended with different chains")
	}
}
