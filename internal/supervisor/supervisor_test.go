package supervisor

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/adred-codev/opcua-server/internal/bufferpool"
	"github.com/adred-codev/opcua-server/internal/cryptopolicy"
	"github.com/adred-codev/opcua-server/internal/dispatcher"
	"github.com/adred-codev/opcua-server/internal/session"
	"github.com/adred-codev/opcua-server/internal/shard"
	"github.com/adred-codev/opcua-server/internal/uacp"
	"github.com/adred-codev/opcua-server/internal/workerpool"
)

func encodeHello(h uacp.Hello) []byte {
	body := make([]byte, 20)
	binary.LittleEndian.PutUint32(body[0:4], h.ProtocolVersion)
	binary.LittleEndian.PutUint32(body[4:8], h.ReceiveBufferSize)
	binary.LittleEndian.PutUint32(body[8:12], h.SendBufferSize)
	binary.LittleEndian.PutUint32(body[12:16], h.MaxMessageSize)
	binary.LittleEndian.PutUint32(body[16:20], h.MaxChunkCount)

	url := []byte(h.EndpointURL)
	lenPrefix := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenPrefix, uint32(len(url)))
	body = append(body, lenPrefix...)
	body = append(body, url...)

	hdr := uacp.Header{MessageType: uacp.MessageTypeHello, ChunkType: uacp.ChunkFinal, MessageSize: uint32(uacp.HeaderSize + len(body))}
	return append(hdr.Encode(), body...)
}

// TestHelloAckNegotiation exercises spec.md §8 scenario 1: a client HEL
// with smaller buffer limits than the server's configured defaults gets
// back an ACK with every limit resolved to the minimum of the two sides.
func TestHelloAckNegotiation(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	mgr := session.NewManager(time.Minute)
	table := dispatcher.NewTable(mgr)
	sh := shard.New(0, 0, zap.NewNop())
	go sh.Run()
	t.Cleanup(sh.Shutdown)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	workers := workerpool.New(1)
	workers.Start(ctx)

	c := newConnection(1, serverConn, bufferpool.New(), workers, cryptopolicy.NonePolicy{}, table, sh, DefaultHighWatermarkBytes, zap.NewNop())
	go c.run()
	t.Cleanup(c.closeConnection)

	hello := uacp.Hello{
		ProtocolVersion:   0,
		ReceiveBufferSize: 8192,
		SendBufferSize:    8192,
		MaxMessageSize:    1 << 20,
		MaxChunkCount:     1,
		EndpointURL:       "opc.tcp://localhost:4840",
	}
	if _, err := clientConn.Write(encodeHello(hello)); err != nil {
		t.Fatalf("write HEL: %v", err)
	}

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	respHdr := make([]byte, uacp.HeaderSize)
	if _, err := readFull(clientConn, respHdr); err != nil {
		t.Fatalf("read ACK header: %v", err)
	}
	hdr, err := uacp.DecodeHeader(respHdr)
	if err != nil {
		t.Fatalf("decode ACK header: %v", err)
	}
	if hdr.MessageType != uacp.MessageTypeAck {
		t.Fatalf("expected ACK, got %q", hdr.MessageType)
	}
	body := make([]byte, hdr.MessageSize-uacp.HeaderSize)
	if _, err := readFull(clientConn, body); err != nil {
		t.Fatalf("read ACK body: %v", err)
	}
	receiveBuf := binary.LittleEndian.Uint32(body[4:8])
	if receiveBuf != 8192 {
		t.Fatalf("expected negotiated receive buffer 8192 (client's smaller value), got %d", receiveBuf)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
