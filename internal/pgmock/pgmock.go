// Package pgmock provides the ability to mock a PostgreSQL server.
package pgmock

import (
	"fmt"
	"io"
	"reflect"

	"github.com/pgkit/pgwire/wire"
)

type Step interface {
	Step(*wire.Backend) error
}

type Script struct {
	Steps []Step
}

func (s *Script) Run(backend *wire.Backend) error {
	for _, step := range s.Steps {
		err := step.Step(backend)
		if err != nil {
			return err
		}
	}

	return nil
}

func (s *Script) Step(backend *wire.Backend) error {
	return s.Run(backend)
}

type expectMessageStep struct {
	want wire.FrontendMessage
	any  bool
}

func (e *expectMessageStep) Step(backend *wire.Backend) error {
	msg, err := backend.Receive()
	if err != nil {
		return err
	}

	if e.any && reflect.TypeOf(msg) == reflect.TypeOf(e.want) {
		return nil
	}

	if !reflect.DeepEqual(msg, e.want) {
		return fmt.Errorf("msg => %#v, e.want => %#v", msg, e.want)
	}

	return nil
}

type expectStartupMessageStep struct {
	want *wire.StartupMessage
	any  bool
}

func (e *expectStartupMessageStep) Step(backend *wire.Backend) error {
	msg, err := backend.ReceiveStartupMessage()
	if err != nil {
		return err
	}

	if e.any {
		return nil
	}

	if !reflect.DeepEqual(msg, e.want) {
		return fmt.Errorf("msg => %#v, e.want => %#v", msg, e.want)
	}

	return nil
}

func ExpectMessage(want wire.FrontendMessage) Step {
	return expectMessage(want, false)
}

func ExpectAnyMessage(want wire.FrontendMessage) Step {
	return expectMessage(want, true)
}

func expectMessage(want wire.FrontendMessage, any bool) Step {
	if want, ok := want.(*wire.StartupMessage); ok {
		return &expectStartupMessageStep{want: want, any: any}
	}

	return &expectMessageStep{want: want, any: any}
}

type sendMessageStep struct {
	msg wire.BackendMessage
}

func (e *sendMessageStep) Step(backend *wire.Backend) error {
	// An authentication request changes how the next 'p' message from the frontend decodes.
	switch e.msg.(type) {
	case *wire.AuthenticationCleartextPassword:
		backend.SetAuthType(wire.AuthTypeCleartextPassword)
	case *wire.AuthenticationMD5Password:
		backend.SetAuthType(wire.AuthTypeMD5Password)
	case *wire.AuthenticationSASL:
		backend.SetAuthType(wire.AuthTypeSASL)
	case *wire.AuthenticationSASLContinue:
		backend.SetAuthType(wire.AuthTypeSASLContinue)
	case *wire.AuthenticationSASLFinal:
		backend.SetAuthType(wire.AuthTypeSASLFinal)
	case *wire.AuthenticationOk:
		backend.SetAuthType(wire.AuthTypeOk)
	}

	backend.Send(e.msg)
	return backend.Flush()
}

func SendMessage(msg wire.BackendMessage) Step {
	return &sendMessageStep{msg: msg}
}

type waitForCloseMessageStep struct{}

func (e *waitForCloseMessageStep) Step(backend *wire.Backend) error {
	for {
		msg, err := backend.Receive()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}

		if _, ok := msg.(*wire.Terminate); ok {
			return nil
		}
	}
}

func WaitForClose() Step {
	return &waitForCloseMessageStep{}
}

func AcceptUnauthenticatedConnRequestSteps() []Step {
	return []Step{
		ExpectAnyMessage(&wire.StartupMessage{ProtocolVersion: wire.ProtocolVersionNumber, Parameters: map[string]string{}}),
		SendMessage(&wire.AuthenticationOk{}),
		SendMessage(&wire.BackendKeyData{ProcessID: 0, SecretKey: 0}),
		SendMessage(&wire.ReadyForQuery{TxStatus: 'I'}),
	}
}
