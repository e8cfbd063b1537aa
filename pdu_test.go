package isotp

import "testing"

func TestDecodeSingleFrameInline(t *testing.T) {
	pdu, err := decodePDU([]byte{0x03, 0x01, 0x02, 0x03})
	if err != nil {
		t.Fatalf("decodePDU: %v", err)
	}
	if pdu.Kind != SingleFrame {
		t.Fatalf("kind = %v, want SingleFrame", pdu.Kind)
	}
	if string(pdu.Data) != string([]byte{0x01, 0x02, 0x03}) {
		t.Errorf("data = % x, want 01 02 03", pdu.Data)
	}
}

func TestDecodeSingleFrameEscapeRequiresLongLink(t *testing.T) {
	_, err := decodePDU([]byte{0x00, 0x05, 1, 2, 3, 4, 5})
	if err != errMissingEscapeSequence {
		t.Errorf("decoding an escape-form SF on a short frame should fail with errMissingEscapeSequence, got %v", err)
	}
}

func TestDecodeSingleFrameEscapeOnLongLink(t *testing.T) {
	payload := append([]byte{0x00, 10}, payloadOf(10)...)
	padded := append(payload, make([]byte, 64-len(payload))...)
	pdu, err := decodePDU(padded)
	if err != nil {
		t.Fatalf("decodePDU: %v", err)
	}
	if pdu.Kind != SingleFrame || !pdu.EscapeSequence {
		t.Fatalf("expected an escape-form SingleFrame, got %+v", pdu)
	}
	if len(pdu.Data) != 10 {
		t.Errorf("data length = %d, want 10", len(pdu.Data))
	}
}

func TestDecodeFirstFrameShortAndEscape(t *testing.T) {
	pdu, err := decodePDU([]byte{0x10, 0x0A, 1, 2, 3, 4, 5, 6})
	if err != nil {
		t.Fatalf("decodePDU: %v", err)
	}
	if pdu.Kind != FirstFrame || pdu.Length != 10 {
		t.Fatalf("expected a 10-byte FirstFrame, got %+v", pdu)
	}

	escaped, err := decodePDU([]byte{0x10, 0x00, 0x00, 0x01, 0x00, 0x00, 9, 9})
	if err != nil {
		t.Fatalf("decodePDU: %v", err)
	}
	if escaped.Kind != FirstFrame || !escaped.EscapeSequence || escaped.Length != 65536 {
		t.Fatalf("expected an escape-form FirstFrame of length 65536, got %+v", escaped)
	}
}

func TestDecodeFlowControl(t *testing.T) {
	pdu, err := decodePDU([]byte{0x30, 0x08, 0x05})
	if err != nil {
		t.Fatalf("decodePDU: %v", err)
	}
	if pdu.Kind != FlowControlFrame || pdu.FlowStatus != ContinueToSend || pdu.BlockSize != 8 {
		t.Fatalf("unexpected flow control decode: %+v", pdu)
	}
	if pdu.STminSeconds != 0.005 {
		t.Errorf("stmin seconds = %v, want 0.005", pdu.STminSeconds)
	}
}

func TestSTminFractionalRange(t *testing.T) {
	seconds, err := stminToSeconds(0xF5)
	if err != nil {
		t.Fatalf("stminToSeconds: %v", err)
	}
	if seconds != 500e-6 {
		t.Errorf("stmin = %v, want 500e-6", seconds)
	}

	if _, err := stminToSeconds(0xFA); err == nil {
		t.Error("0xFA is not a legal STmin encoding and should fail")
	}
	if _, err := stminToSeconds(0xF0); err == nil {
		t.Error("0xF0 is reserved and should fail")
	}
}

func TestDecodeRejectsUnknownFrameType(t *testing.T) {
	if _, err := decodePDU([]byte{0x40, 1, 2, 3}); err == nil {
		t.Error("nibble 4 is not a defined PDU type and should fail to decode")
	}
}
