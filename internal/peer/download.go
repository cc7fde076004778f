package peer

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	"p2pmesh/internal/protocol"
)

// ErrChecksumMismatch is returned by Download when the locally-recomputed
// checksum does not match the one declared in FileTransferStart, per
// spec.md §4.9 step 4. It is treated as non-retryable against this peer
// (the caller should try another).
var ErrChecksumMismatch = fmt.Errorf("peer: %s", protocol.CodeChecksumMismatch)

func isChecksumMismatch(err error) bool {
	if err == nil {
		return false
	}
	if err == ErrChecksumMismatch {
		return true
	}
	var pe *protocol.Error
	return errors.As(err, &pe) && pe.Code == protocol.CodeChecksumMismatch
}

// DownloadResult describes a completed download.
type DownloadResult struct {
	FileName         string
	BytesTransferred int64
	Checksum         string
	LocalPath        string
}

// Download connects to a remote peer at addr, requests fileName, and
// writes it atomically into the Peer's DownloadDir. The exchange is
// wrapped in the Peer's "peer-download" recovery from newDownloadRecovery
// (EXPONENTIAL_JITTER retry plus circuit breaker), per spec.md §4.9 step 4.
func (p *Peer) Download(ctx context.Context, addr, fileName string) (DownloadResult, error) {
	var result DownloadResult
	err := p.downloadRecovery.Execute(ctx, func(ctx context.Context) error {
		r, err := p.downloadOnce(ctx, addr, fileName)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

func (p *Peer) downloadOnce(ctx context.Context, addr, fileName string) (DownloadResult, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return DownloadResult{}, protocol.NewError(protocol.CodeConnectionFailed, err.Error())
	}
	defer conn.Close()

	req, err := protocol.NewEnvelope(p.cfg.PeerID, "", protocol.TypeFileRequest, protocol.FileRequest{FileName: fileName})
	if err != nil {
		return DownloadResult{}, err
	}
	if err := writeEnvelope(conn, req); err != nil {
		return DownloadResult{}, protocol.NewError(protocol.CodeNetworkError, err.Error())
	}

	reader := bufio.NewReader(conn)

	acceptEnv, err := readEnvelope(reader)
	if err != nil {
		return DownloadResult{}, protocol.NewError(protocol.CodeNetworkError, err.Error())
	}
	if acceptEnv.Type == protocol.TypeError {
		return DownloadResult{}, decodeRemoteError(acceptEnv)
	}
	var accept protocol.FileResponse
	if err := acceptEnv.Decode(&accept); err != nil || !accept.Accepted {
		return DownloadResult{}, protocol.NewError(protocol.CodeFileNotFound, "peer declined file request")
	}

	startEnv, err := readEnvelope(reader)
	if err != nil {
		return DownloadResult{}, protocol.NewError(protocol.CodeNetworkError, err.Error())
	}
	if startEnv.Type == protocol.TypeError {
		return DownloadResult{}, decodeRemoteError(startEnv)
	}
	var start protocol.FileTransferStart
	if err := startEnv.Decode(&start); err != nil {
		return DownloadResult{}, protocol.NewError(protocol.CodeInvalidMessage, err.Error())
	}

	tmpPath := filepath.Join(p.cfg.DownloadDir, ".download-"+start.TransferID+".tmp")
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return DownloadResult{}, protocol.NewError(protocol.CodeFileAccessError, err.Error())
	}

	h := sha256.New()
	written, err := io.CopyN(io.MultiWriter(tmp, h), reader, start.FileSize)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return DownloadResult{}, protocol.NewError(protocol.CodeTransferFailed, err.Error())
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return DownloadResult{}, protocol.NewError(protocol.CodeFileAccessError, err.Error())
	}

	completeEnv, err := readEnvelope(reader)
	if err == nil && completeEnv.Type == protocol.TypeFileTransferError {
		os.Remove(tmpPath)
		var fe protocol.FileTransferError
		_ = completeEnv.Decode(&fe)
		return DownloadResult{}, protocol.NewError(fe.Code, fe.Reason)
	}

	localChecksum := hex.EncodeToString(h.Sum(nil))
	if localChecksum != start.Checksum {
		os.Remove(tmpPath)
		return DownloadResult{}, ErrChecksumMismatch
	}

	finalPath := filepath.Join(p.cfg.DownloadDir, fileName)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return DownloadResult{}, protocol.NewError(protocol.CodeFileAccessError, err.Error())
	}

	return DownloadResult{FileName: fileName, BytesTransferred: written, Checksum: localChecksum, LocalPath: finalPath}, nil
}

func readEnvelope(reader *bufio.Reader) (*protocol.Envelope, error) {
	line, err := reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, err
	}
	return protocol.Unmarshal(line)
}

func decodeRemoteError(e *protocol.Envelope) error {
	var payload protocol.ErrorPayload
	if err := e.Decode(&payload); err != nil {
		return protocol.NewError(protocol.CodeInternalError, "unreadable error payload")
	}
	return protocol.NewError(payload.Code, payload.Message)
}
