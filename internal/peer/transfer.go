package peer

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/uuid"

	"p2pmesh/internal/protocol"
)

// ChunkSize is the declared chunk size advertised in FileTransferStart,
// per spec.md §4.9.
const ChunkSize = 8192

// handleConnection processes exactly one FileRequest per connection turn,
// per spec.md §4.9 step 2/3: decode, validate, and either stream the
// file or respond with a coded error.
func (p *Peer) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(p.cfg.SocketTimeout))

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return
	}
	req, err := protocol.Unmarshal(line)
	if err != nil {
		writeEnvelopeError(conn, nil, protocol.CodeInvalidMessage, err.Error())
		return
	}
	if req.ReceiverID == "" {
		// Replies take their senderId from the request's receiverId; a
		// client that does not know this peer's id leaves it empty.
		req.ReceiverID = p.cfg.PeerID
	}
	if req.Type != protocol.TypeFileRequest {
		writeEnvelopeError(conn, req, protocol.CodeUnknownCommand, "expected FileRequest")
		return
	}
	var payload protocol.FileRequest
	if err := req.Decode(&payload); err != nil {
		writeEnvelopeError(conn, req, protocol.CodeInvalidMessage, err.Error())
		return
	}
	if err := payload.IsValid(); err != nil {
		writeEnvelopeError(conn, req, protocol.CodeInvalidParameters, err.Error())
		return
	}

	p.serveFile(ctx, conn, req, payload)
}

func (p *Peer) serveFile(ctx context.Context, conn net.Conn, req *protocol.Envelope, fileReq protocol.FileRequest) {
	file, ok := p.sharedFile(fileReq.FileName)
	if !ok {
		writeEnvelopeError(conn, req, protocol.CodeFileNotFound, "file not shared by this peer")
		return
	}

	f, err := os.Open(file.Path)
	if err != nil {
		writeEnvelopeError(conn, req, protocol.CodeFileAccessError, err.Error())
		return
	}
	defer f.Close()

	checksum, size, err := p.checksumFor(fileReq.FileName, file)
	if err != nil {
		writeEnvelopeError(conn, req, protocol.CodeFileAccessError, err.Error())
		return
	}

	start := fileReq.RangeStart
	end := fileReq.RangeEnd
	if end <= 0 || end > size {
		end = size
	}
	if start < 0 || start > end {
		writeEnvelopeError(conn, req, protocol.CodeInvalidParameters, "range out of bounds")
		return
	}
	if start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			writeEnvelopeError(conn, req, protocol.CodeFileAccessError, err.Error())
			return
		}
	}

	accept, err := req.Reply(protocol.TypeFileResponse, protocol.FileResponse{Accepted: true})
	if err != nil {
		return
	}
	if err := writeEnvelope(conn, accept); err != nil {
		return
	}

	transferID := uuid.NewString()
	startMsg, err := req.Reply(protocol.TypeFileTransferStart, protocol.FileTransferStart{
		TransferID: transferID, FileName: fileReq.FileName, FileSize: end - start,
		Checksum: checksum, ChunkSize: ChunkSize,
	})
	if err != nil {
		return
	}
	if err := writeEnvelope(conn, startMsg); err != nil {
		return
	}

	written, err := io.CopyN(conn, f, end-start)
	if err != nil && err != io.EOF {
		errMsg, _ := req.Reply(protocol.TypeFileTransferError, protocol.FileTransferError{
			TransferID: transferID, Code: protocol.CodeTransferFailed, Reason: err.Error(),
		})
		_ = writeEnvelope(conn, errMsg)
		return
	}

	completeMsg, err := req.Reply(protocol.TypeFileTransferComplete, protocol.FileTransferComplete{
		TransferID: transferID, Success: true, BytesTransferred: written,
	})
	if err != nil {
		return
	}
	_ = writeEnvelope(conn, completeMsg)
}

// checksumFor computes and caches file's checksum lazily, per spec.md
// §4.9 step 3 ("compute checksum lazily (cache per file)").
func (p *Peer) checksumFor(fileName string, file SharedFile) (checksum string, size int64, err error) {
	if file.Checksum != "" && file.Size > 0 {
		return file.Checksum, file.Size, nil
	}
	f, err := os.Open(file.Path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	sum := hex.EncodeToString(h.Sum(nil))
	p.Share(fileName, SharedFile{Path: file.Path, Size: n, Checksum: sum})
	return sum, n, nil
}

func writeEnvelope(conn net.Conn, e *protocol.Envelope) error {
	b, err := e.Marshal()
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = conn.Write(b)
	return err
}

func writeEnvelopeError(conn net.Conn, req *protocol.Envelope, code protocol.Code, message string) {
	var originalID, senderID, receiverID string
	if req != nil {
		originalID = req.MessageID
		senderID = req.ReceiverID
		receiverID = req.SenderID
	}
	e, err := protocol.NewErrorEnvelope(senderID, receiverID, originalID, code, message)
	if err != nil {
		return
	}
	_ = writeEnvelope(conn, e)
}
