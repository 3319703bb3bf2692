package protocol

import (
	"bytes"
	"testing"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	cases := []Packet{
		{Magic: MagicRequest, Verb: CommandCanDo, Args: [][]byte{[]byte("reverse")}},
		{Magic: MagicRequest, Verb: CommandSubmitJob, Args: [][]byte{[]byte("reverse"), []byte("")}, Data: []byte("abc")},
		{Magic: MagicResponse, Verb: CommandJobAssign, Args: [][]byte{[]byte("H:host:1"), []byte("reverse")}, Data: []byte("abc")},
		{Magic: MagicRequest, Verb: CommandEchoReq, Args: [][]byte{}, Data: []byte{0, 1, 2, 0, 3}},
		{Magic: MagicRequest, Verb: CommandGrabJob, Args: [][]byte{}},
	}

	for _, want := range cases {
		raw, err := Pack(want)
		if err != nil {
			t.Fatalf("Pack(%v): %v", want.Verb, err)
		}
		got, n, err := Unpack(raw)
		if err != nil {
			t.Fatalf("Unpack: %v", err)
		}
		if n != len(raw) {
			t.Fatalf("consumed %d, want %d", n, len(raw))
		}
		if got.Magic != want.Magic || got.Verb != want.Verb {
			t.Fatalf("got %+v, want %+v", got, want)
		}
		if len(got.Args) != len(want.Args) {
			t.Fatalf("arg count got %d want %d", len(got.Args), len(want.Args))
		}
		for i := range want.Args {
			if !bytes.Equal(got.Args[i], want.Args[i]) {
				t.Fatalf("arg %d got %q want %q", i, got.Args[i], want.Args[i])
			}
		}
		if !bytes.Equal(got.Data, want.Data) {
			t.Fatalf("data got %q want %q", got.Data, want.Data)
		}
	}
}

func TestUnpackNeedMoreDoesNotMutate(t *testing.T) {
	full, err := Pack(Packet{Magic: MagicRequest, Verb: CommandCanDo, Args: [][]byte{[]byte("reverse")}})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < len(full); i++ {
		_, n, err := Unpack(full[:i])
		if err != ErrNeedMore {
			t.Fatalf("prefix %d: got err %v, want ErrNeedMore", i, err)
		}
		if n != 0 {
			t.Fatalf("prefix %d: consumed %d, want 0", i, n)
		}
	}
}

func TestUnpackInvalidMagic(t *testing.T) {
	buf := append([]byte{0, 'X', 'X', 'X'}, make([]byte, 8)...)
	_, _, err := Unpack(buf)
	if err != ErrInvalidMagic {
		t.Fatalf("got %v, want ErrInvalidMagic", err)
	}
}

func TestUnpackInvalidCommand(t *testing.T) {
	buf, err := Pack(Packet{Magic: MagicRequest, Verb: CommandCanDo, Args: [][]byte{[]byte("x")}})
	if err != nil {
		t.Fatal(err)
	}
	buf[7] = 0xFF // corrupt the low byte of the command id
	_, _, err = Unpack(buf)
	if err != ErrInvalidCommand {
		t.Fatalf("got %v, want ErrInvalidCommand", err)
	}
}

func TestTextPacket(t *testing.T) {
	pkt, n, err := Unpack([]byte("workers\n"))
	if err != nil {
		t.Fatal(err)
	}
	if n != len("workers\n") {
		t.Fatalf("consumed %d", n)
	}
	if pkt.Magic != MagicText || pkt.Arg(0) != "workers" {
		t.Fatalf("got %+v", pkt)
	}
}

func TestTextPacketNeedsMore(t *testing.T) {
	_, _, err := Unpack([]byte("status"))
	if err != ErrNeedMore {
		t.Fatalf("got %v, want ErrNeedMore", err)
	}
}

func TestEmbeddedNulOnlyInFinalArg(t *testing.T) {
	_, n, err := Unpack(mustPack(t, Packet{
		Magic: MagicRequest,
		Verb:  CommandSubmitJob,
		Args:  [][]byte{[]byte("fn"), []byte("uniq")},
		Data:  []byte{0, 0, 0},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 {
		t.Fatal("expected bytes consumed")
	}
}

func mustPack(t *testing.T, p Packet) []byte {
	t.Helper()
	b, err := Pack(p)
	if err != nil {
		t.Fatal(err)
	}
	return b
}
