package ui

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"firelink/internal/firebase"
)

func newUI(input string) (*ConsoleUI, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	return NewConsoleUI(strings.NewReader(input), &out, &errOut), &out, &errOut
}

func TestShowSnapshot(t *testing.T) {
	c, out, _ := newUI("")
	p := 2.5
	c.ShowSnapshot(firebase.Snapshot{Key: "a", Value: json.RawMessage(`{"b":1}`), Priority: &p})
	c.ShowSnapshot(firebase.Snapshot{Key: "missing"})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	require.JSONEq(t, `{"key":"a","value":{"b":1},"priority":2.5}`, lines[0])
	require.JSONEq(t, `{"key":"missing","value":null}`, lines[1])
}

func TestShowEvent(t *testing.T) {
	c, out, _ := newUI("")
	c.ShowEvent(firebase.Event{
		Type:     firebase.EventChildMoved,
		Snapshot: firebase.Snapshot{Key: "c", Value: json.RawMessage(`3`)},
		PrevKey:  "b",
	})
	require.JSONEq(t, `{"event":"child_moved","key":"c","value":3,"prevKey":"b"}`, strings.TrimSpace(out.String()))
}

func TestMessagesGoToErrOut(t *testing.T) {
	c, out, errOut := newUI("")
	c.StartWaiting("waiting for peer")
	c.ShowCode("Ab3dE5gH")
	c.StopWaiting()
	c.ShowKey("-Nabc")

	require.Contains(t, errOut.String(), "Session code: Ab3dE5gH")
	require.JSONEq(t, `{"key":"-Nabc"}`, strings.TrimSpace(out.String()))
}

func TestInputCode(t *testing.T) {
	c, _, errOut := newUI("bad\nAb3dE5gH\n")
	code, err := c.InputCode(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Ab3dE5gH", code)
	require.Contains(t, errOut.String(), "Invalid code")
}
