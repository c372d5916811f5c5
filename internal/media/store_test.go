package media

import (
	"strings"
	"testing"
)

func TestQRKeyIsWorkspacePrefixed(t *testing.T) {
	key := QRKey("ws_1", "conn_2")
	if !strings.HasPrefix(key, "ws_1/") {
		t.Errorf("expected workspace prefix, got %q", key)
	}
	if !strings.HasSuffix(key, "conn_2.png") {
		t.Errorf("expected png suffix, got %q", key)
	}
}

func TestAttachmentKeyIsWorkspacePrefixed(t *testing.T) {
	key := AttachmentKey("ws_1", "msg_9", "invoice.pdf")
	if key != "ws_1/attachments/msg_9/invoice.pdf" {
		t.Errorf("unexpected key %q", key)
	}
}
