package chattransporttest_test

import (
	"context"
	"testing"

	"github.com/relaywire/sessionengine/internal/chattransport"
	"github.com/relaywire/sessionengine/internal/chattransport/chattransporttest"
)

func TestFakeSocket_SendRequiresAuthentication(t *testing.T) {
	d := chattransporttest.NewFakeDialer()
	sock, err := d.Connect(context.Background(), "dev1", nil, nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if _, err := sock.Send(context.Background(), "123@s.whatsapp.net", "hi"); err != chattransport.ErrNotAuthenticated {
		t.Fatalf("Send() before auth error = %v, want ErrNotAuthenticated", err)
	}

	fake := d.Socket("dev1")
	fake.PushOpen("555@s.whatsapp.net")
	<-sock.Events()

	if _, err := sock.Send(context.Background(), "123@s.whatsapp.net", "hi"); err != nil {
		t.Fatalf("Send() after auth error = %v", err)
	}
	if got := fake.Sent(); len(got) != 1 || got[0].Text != "hi" {
		t.Errorf("Sent() = %+v, want one message 'hi'", got)
	}
}

func TestFakeSocket_EndClosesEventsOnce(t *testing.T) {
	d := chattransporttest.NewFakeDialer()
	sock, _ := d.Connect(context.Background(), "dev1", nil, nil)
	fake := d.Socket("dev1")

	sock.End(nil)
	sock.End(nil) // must not panic on double close

	if ended, _ := fake.Ended(); !ended {
		t.Error("Ended() = false, want true")
	}
	if _, ok := <-sock.Events(); ok {
		t.Error("Events() channel still open after End()")
	}
}
