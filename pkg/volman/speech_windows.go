package volman

import (
	"errors"
	"fmt"
	"runtime"

	ole "github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"
	"go.uber.org/zap"
)

const (
	// SpeechVoiceSpeakFlags
	svsfAsync            = 1
	svsfPurgeBeforeSpeak = 2
)

type speechRequest struct {
	text  string
	flags int
	done  chan error
}

// sapiSpeaker speaks through SAPI.SpVoice. The voice object lives on a single locked OS thread
type sapiSpeaker struct {
	logger   *zap.SugaredLogger
	requests chan speechRequest
	stop     chan bool
}

func newSpeaker(logger *zap.SugaredLogger) (Speaker, error) {
	s := &sapiSpeaker{
		logger:   logger.Named("speech"),
		requests: make(chan speechRequest),
		stop:     make(chan bool),
	}

	ready := make(chan error)
	go s.run(ready)

	if err := <-ready; err != nil {
		return nil, err
	}

	s.logger.Debug("Created SAPI speaker instance")

	return s, nil
}

func (s *sapiSpeaker) run(ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := ole.CoInitialize(0); err != nil {
		oleError := &ole.OleError{}
		if !errors.As(err, &oleError) || oleError.Code() != comEFalse {
			ready <- fmt.Errorf("initialize ole: %w", err)
			return
		}
	}
	defer ole.CoUninitialize()

	unknown, err := oleutil.CreateObject("SAPI.SpVoice")
	if err != nil {
		ready <- fmt.Errorf("create SAPI.SpVoice ole object: %w", err)
		return
	}
	defer unknown.Release()

	voice, err := unknown.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		ready <- fmt.Errorf("get ole IDispatch: %w", err)
		return
	}
	defer voice.Release()

	ready <- nil

	for {
		select {
		case <-s.stop:
			return
		case request := <-s.requests:
			request.done <- s.speak(voice, request.text, request.flags)
		}
	}
}

func (s *sapiSpeaker) speak(voice *ole.IDispatch, text string, flags int) error {
	v, err := oleutil.CallMethod(voice, "Speak", text, flags)
	if err != nil {
		return fmt.Errorf("call Speak on IDispatch: %w", err)
	}

	if err := v.Clear(); err != nil {
		return fmt.Errorf("clear variant: %w", err)
	}

	return nil
}

func (s *sapiSpeaker) submit(text string, flags int) error {
	request := speechRequest{text: text, flags: flags, done: make(chan error, 1)}

	select {
	case <-s.stop:
		return errors.New("speaker closed")
	case s.requests <- request:
	}

	return <-request.done
}

// Speak interrupts whatever is being said and speaks text asynchronously
func (s *sapiSpeaker) Speak(text string) error {
	s.logger.Debugw("Speaking", "text", text)
	return s.submit(text, svsfAsync|svsfPurgeBeforeSpeak)
}

func (s *sapiSpeaker) Cancel() error {
	return s.submit("", svsfAsync|svsfPurgeBeforeSpeak)
}

func (s *sapiSpeaker) Close() error {
	close(s.stop)
	return nil
}
