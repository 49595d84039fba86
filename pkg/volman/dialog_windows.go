package volman

import (
	"fmt"
	"runtime"

	"github.com/lxn/walk"
	decl "github.com/lxn/walk/declarative"
	"go.uber.org/zap"
)

const (
	volumeDialogTitle = "Set volume"
	volumeDialogLabel = "Volume (0-100):"
)

type walkVolumePrompt struct {
	logger *zap.SugaredLogger
}

type promptResult struct {
	value int
	ok    bool
	err   error
}

func newVolumePrompt(logger *zap.SugaredLogger) VolumePrompt {
	return &walkVolumePrompt{logger: logger.Named("dialog")}
}

// PromptVolume shows a modal dialog on its own UI thread and blocks until it closes
func (p *walkVolumePrompt) PromptVolume(current int) (int, bool, error) {
	result := make(chan promptResult, 1)

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		defer func() {
			if r := recover(); r != nil {
				p.logger.Errorw("Volume dialog panicked", "panic", r)
				result <- promptResult{err: fmt.Errorf("show volume dialog: %v", r)}
			}
		}()

		value, ok, err := p.run(current)
		result <- promptResult{value: value, ok: ok, err: err}
	}()

	r := <-result

	p.logger.Debugw("Volume dialog closed", "value", r.value, "ok", r.ok, "error", r.err)

	return r.value, r.ok, r.err
}

func (p *walkVolumePrompt) run(current int) (int, bool, error) {
	var (
		dlg      *walk.Dialog
		edit     *walk.NumberEdit
		acceptPB *walk.PushButton
		cancelPB *walk.PushButton
	)

	value := current
	accepted := false

	_, err := decl.Dialog{
		AssignTo:      &dlg,
		Title:         volumeDialogTitle,
		DefaultButton: &acceptPB,
		CancelButton:  &cancelPB,
		MinSize:       decl.Size{Width: 240, Height: 120},
		Layout:        decl.VBox{},
		Children: []decl.Widget{
			decl.Label{Text: volumeDialogLabel},
			decl.NumberEdit{
				AssignTo: &edit,
				Value:    float64(current),
				MinValue: minVolume,
				MaxValue: maxVolume,
				Decimals: 0,
			},
			decl.Composite{
				Layout: decl.HBox{},
				Children: []decl.Widget{
					decl.HSpacer{},
					decl.PushButton{
						AssignTo: &acceptPB,
						Text:     "OK",
						OnClicked: func() {
							value = int(edit.Value())
							accepted = true
							dlg.Accept()
						},
					},
					decl.PushButton{
						AssignTo:  &cancelPB,
						Text:      "Cancel",
						OnClicked: func() { dlg.Cancel() },
					},
				},
			},
		},
	}.Run(nil)

	if err != nil {
		return 0, false, fmt.Errorf("run volume dialog: %w", err)
	}

	return value, accepted, nil
}
