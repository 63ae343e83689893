package main

import (
	"sync"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/warpdl/warpq/pkg/warpq"
)

// progressUI renders one mpb bar per tracked task, fed from orchestrator
// events.
type progressUI struct {
	p    *mpb.Progress
	mu   sync.Mutex
	bars map[warpq.TaskID]*mpb.Bar
	done *done
}

func newProgressUI() *progressUI {
	return &progressUI{
		p:    mpb.New(),
		bars: make(map[warpq.TaskID]*mpb.Bar),
		done: &done{},
	}
}

// track creates the bar for a task before its first progress event.
func (ui *progressUI) track(id warpq.TaskID, name string) {
	barStyle := mpb.BarStyle().Lbound("╢").Filler("█").Tip("█").Padding("░").Rbound("╟")
	bar := ui.p.New(0,
		barStyle,
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DindentRight}),
			decor.OnComplete(
				decor.AverageETA(decor.ET_STYLE_GO, decor.WC{W: 4}), "done",
			),
		),
		mpb.AppendDecorators(
			decor.AverageSpeed(decor.SizeB1024(0), "% .2f"),
		),
	)
	ui.mu.Lock()
	ui.bars[id] = bar
	ui.mu.Unlock()
}

func (ui *progressUI) bar(id warpq.TaskID) (*mpb.Bar, bool) {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	bar, ok := ui.bars[id]
	return bar, ok
}

// handler wires the UI into the orchestrator's event stream.
func (ui *progressUI) handler() warpq.EventHandler {
	return warpq.EventHandler{
		ProgressUpdated: func(id warpq.TaskID, p warpq.Progress) {
			bar, ok := ui.bar(id)
			if !ok {
				return
			}
			if p.Total >= 0 {
				bar.SetTotal(p.Total, false)
			}
			bar.SetCurrent(p.Downloaded)
		},
		Completed: func(id warpq.TaskID) {
			if bar, ok := ui.bar(id); ok {
				bar.SetTotal(-1, true)
			}
			ui.done.signal(id)
		},
		Failed: func(id warpq.TaskID, reason string) {
			if bar, ok := ui.bar(id); ok {
				bar.Abort(false)
			}
			ui.done.signal(id)
		},
	}
}

// wait blocks until every listed task has signalled terminal, then lets
// mpb drain its render loop.
func (ui *progressUI) wait(ids []warpq.TaskID) {
	for _, id := range ids {
		<-ui.done.channel(id)
	}
	ui.p.Wait()
}
