package mailer

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"tubevault/logging"
)

func TestBuildMessageStripsHeaderInjection(t *testing.T) {
	msg := string(buildMessage("noreply@tubevault.dev", "a@b.c", "Reset\r\nBcc: evil@x.io", "line1\nline2", time.Unix(0, 0)))
	if strings.Contains(msg, "\r\nBcc:") {
		t.Fatalf("subject newline leaked into headers:\n%s", msg)
	}
	if !strings.HasSuffix(msg, "line1\r\nline2") {
		t.Fatalf("body not CRLF-normalized: %q", msg)
	}
}

func TestLogMailer(t *testing.T) {
	var buf bytes.Buffer
	m := &LogMailer{Logger: logging.New(&buf, "info", "text")}
	if err := m.Send(context.Background(), "a@b.c", "hello", "body"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "a@b.c") {
		t.Fatalf("log output missing recipient: %s", buf.String())
	}
}
