package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gdamore/tcell/v2"
	"github.com/navidys/tvxwidgets"
	"github.com/rivo/tview"
	"gonum.org/v1/gonum/stat"

	"github.com/martinmmi/tallyWAN/config"
	"github.com/martinmmi/tallyWAN/tally"
)

type LinkTableData struct {
	tview.TableContentReadOnly
}

// currentStats is the snapshot the table cells render from, refreshed by the
// update goroutine in StartUI.
var currentStats tally.Snapshot

var linkRows = []string{
	"Clock:",
	"Packets sent:",
	"Packets received:",
	"Packets dropped:",
	"Last sent:",
	"Last received:",
	"Avg RSSI (dBm):",
	"Avg SNR (dB):",
	"Uptime:",
}

func (l *LinkTableData) GetRowCount() int {
	return len(linkRows)
}

func (l *LinkTableData) GetColumnCount() int {
	return 2
}

func (l *LinkTableData) GetCell(row, column int) *tview.TableCell {
	if column == 0 {
		return tview.NewTableCell(linkRows[row])
	}
	s := currentStats
	switch row {
	case 0:
		clk := 0
		color := tcell.ColorRed
		if s.Clock {
			clk = 1
			color = tcell.ColorGreen
		}
		return tview.NewTableCell(fmt.Sprintf("%d", clk)).SetTextColor(color)
	case 1:
		return tview.NewTableCell(fmt.Sprintf("%d", s.Sent))
	case 2:
		return tview.NewTableCell(fmt.Sprintf("%d", s.Received))
	case 3:
		color := tcell.ColorGreen
		if s.Dropped > 0 {
			color = tcell.ColorRed
		}
		return tview.NewTableCell(fmt.Sprintf("%d", s.Dropped)).SetTextColor(color)
	case 4:
		return tview.NewTableCell(s.LastSent)
	case 5:
		return tview.NewTableCell(s.LastReceived)
	case 6:
		return tview.NewTableCell(fmt.Sprintf("%.1f", mean(s.RSSI)))
	case 7:
		return tview.NewTableCell(fmt.Sprintf("%.2f", mean(s.SNR)))
	case 8:
		return tview.NewTableCell(fmt.Sprintf("%d min", int(s.Uptime.Minutes())))
	}
	return tview.NewTableCell("ERROR")
}

var LogOut *tview.TextView

// StartUI runs the status panel until the user quits it. It takes over the
// charmbracelet logger output when the config asks for the log pane.
func StartUI(stats *tally.Stats, tuiConf config.TuiConf) {
	app := tview.NewApplication()

	LogOut = tview.NewTextView().
		SetDynamicColors(true).
		SetRegions(true).
		SetWordWrap(true)

	linkTable := tview.NewTable().SetContent(&LinkTableData{})
	linkTable.SetSelectable(false, false).SetBorder(true).SetTitle("Link Status")

	rssiGauge := tvxwidgets.NewUtilModeGauge()
	rssiGauge.SetLabel("Signal Strength:   ")
	rssiGauge.SetLabelColor(tcell.ColorLightSkyBlue)
	rssiGauge.SetWarnPercentage(80)
	rssiGauge.SetCritPercentage(95)
	rssiGauge.SetEmptyColor(tcell.ColorBlack)
	rssiGauge.SetBorder(false)

	rssiPlot := tvxwidgets.NewPlot()
	rssiPlot.SetLineColor([]tcell.Color{tcell.ColorLightSkyBlue})
	rssiPlot.SetMarker(tvxwidgets.PlotMarkerBraille)
	rssiPlot.SetBorder(true)
	rssiPlot.SetTitle("RSSI")

	gaugeBox := tview.NewFlex()
	gaugeBox.SetDirection(tview.FlexRow)
	gaugeBox.AddItem(rssiGauge, 0, 1, false)
	gaugeBox.SetTitle("Signal Stats")
	gaugeBox.SetBorder(true)

	LogOut.SetChangedFunc(func() {
		LogOut.ScrollToEnd()
		app.Draw()
	})
	LogOut.SetBorder(true).SetTitle("Log Output")
	if tuiConf.EnableLogOutput {
		log.SetOutput(LogOut)
	}

	page := tview.NewFlex().SetDirection(tview.FlexColumn)

	leftCol := tview.NewFlex().SetDirection(tview.FlexRow)
	leftCol.AddItem(linkTable, 0, 1, false)

	rightCol := tview.NewFlex().SetDirection(tview.FlexRow)
	rightCol.AddItem(gaugeBox, 0, 1, false)
	rightCol.AddItem(rssiPlot, 0, 3, false)
	if tuiConf.EnableLogOutput {
		rightCol.AddItem(LogOut, 0, 2, false)
	}

	page.AddItem(leftCol, 0, 2, false)
	page.AddItem(rightCol, 0, 3, false)

	go func() {
		for {
			currentStats = stats.Snapshot()

			rssiGauge.SetValue(signalPercent(currentStats.RSSI))
			if len(currentStats.RSSI) > 0 {
				rssiPlot.SetData([][]float64{currentStats.RSSI})
			}

			app.Draw()
			time.Sleep(time.Duration(tuiConf.RefreshMs) * time.Millisecond)
		}
	}()

	if err := app.SetRoot(page, true).EnableMouse(true).Run(); err != nil {
		log.Fatalf("Could not start UI: %v", err)
	}
}

// signalPercent maps the latest RSSI sample onto a 0-100 gauge; -130 dBm is
// roughly the LoRa sensitivity floor, -20 dBm a saturated link.
func signalPercent(rssi []float64) float64 {
	if len(rssi) == 0 {
		return 0
	}
	pct := (rssi[len(rssi)-1] + 130) / 110 * 100
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pct
}

func mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	return stat.Mean(samples, nil)
}
