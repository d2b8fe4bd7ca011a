// daemon/session.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

// The session protocol: a small binary RPC over the TLS connection,
// mapping one-to-one onto the store context's operations. Every
// request starts with a one-byte command; every reply starts with a
// one-byte status. Integers are network order; byte strings carry a
// 16-bit (names) or 32-bit (attribute blocks, objects) length.

package daemon

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/mmp/bbstore/store"
)

const protocolVersion = 1

// Commands.
const (
	cmdVersion = iota + 1
	cmdLogin
	cmdFinished
	cmdListDirectory
	cmdGetObject
	cmdStoreFile
	cmdDeleteFile
	cmdUndeleteFile
	cmdCreateDirectory
	cmdDeleteDirectory
	cmdMoveObject
	cmdChangeDirAttributes
	cmdChangeFileAttributes
	cmdSetClientStoreMarker
	cmdGetAccountUsage
)

// Reply status codes, mirroring the store's error taxonomy.
const (
	statusOK = iota
	statusIOError
	statusNotFound
	statusCorrupt
	statusReadOnly
	statusAccountLocked
	statusStorageLimitExceeded
	statusNameAlreadyExists
	statusEntryNotFound
	statusDiffFromMissing
	statusDoesNotVerify
	statusBadCommand
	statusAccountDisabled
)

func errorStatus(err error) byte {
	switch {
	case err == nil:
		return statusOK
	case errors.Is(err, store.ErrNotFound):
		return statusNotFound
	case errors.Is(err, store.ErrCorrupt):
		return statusCorrupt
	case errors.Is(err, store.ErrReadOnly):
		return statusReadOnly
	case errors.Is(err, store.ErrAccountLocked):
		return statusAccountLocked
	case errors.Is(err, store.ErrStorageLimitExceeded):
		return statusStorageLimitExceeded
	case errors.Is(err, store.ErrNameAlreadyExists):
		return statusNameAlreadyExists
	case errors.Is(err, store.ErrEntryNotFound):
		return statusEntryNotFound
	case errors.Is(err, store.ErrDiffFromMissing):
		return statusDiffFromMissing
	case errors.Is(err, store.ErrFileDoesNotVerify):
		return statusDoesNotVerify
	default:
		return statusIOError
	}
}

// NewSessionHandler returns the standard session protocol handler.
func NewSessionHandler() SessionHandler {
	return &session{}
}

type session struct{}

// Serve runs the request loop until the client sends Finished or the
// connection drops. A failed operation becomes an error reply and the
// session continues; an unknown command is answered with a bad-command
// status and ends the session, as do transport errors.
func (s *session) Serve(conn net.Conn, ctx *store.Context) error {
	for {
		cmd, err := rdU8(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		var reply []byte
		var status byte
		done := false

		switch cmd {
		case cmdVersion:
			reply = wrU32(nil, protocolVersion)

		case cmdLogin:
			reply, status = s.login(conn, ctx)

		case cmdFinished:
			status = statusOK
			done = true

		case cmdListDirectory:
			reply, status = s.listDirectory(conn, ctx)

		case cmdGetObject:
			reply, status = s.getObject(conn, ctx)

		case cmdStoreFile:
			reply, status = s.storeFile(conn, ctx)

		case cmdDeleteFile:
			reply, status = s.deleteFile(conn, ctx)

		case cmdUndeleteFile:
			reply, status = s.undeleteFile(conn, ctx)

		case cmdCreateDirectory:
			reply, status = s.createDirectory(conn, ctx)

		case cmdDeleteDirectory:
			reply, status = s.deleteDirectory(conn, ctx)

		case cmdMoveObject:
			reply, status = s.moveObject(conn, ctx)

		case cmdChangeDirAttributes:
			reply, status = s.changeDirAttributes(conn, ctx)

		case cmdChangeFileAttributes:
			reply, status = s.changeFileAttributes(conn, ctx)

		case cmdSetClientStoreMarker:
			reply, status = s.setClientStoreMarker(conn, ctx)

		case cmdGetAccountUsage:
			reply, status = s.getAccountUsage(ctx)

		default:
			status = statusBadCommand
			done = true
		}

		out := append([]byte{status}, reply...)
		if _, err := conn.Write(out); err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (s *session) login(conn net.Conn, ctx *store.Context) ([]byte, byte) {
	flags, err := rdU8(conn)
	if err != nil {
		return nil, statusIOError
	}
	readOnly := flags&1 != 0

	if !readOnly {
		if err := ctx.GetWriteLock(); err != nil {
			return nil, errorStatus(err)
		}
	}
	if err := ctx.LoadStoreInfo(); err != nil {
		return nil, errorStatus(err)
	}

	info, err := ctx.Info()
	if err != nil {
		return nil, errorStatus(err)
	}
	if !info.AccountEnabled {
		return nil, statusAccountDisabled
	}

	marker, err := ctx.GetClientStoreMarker()
	if err != nil {
		return nil, errorStatus(err)
	}
	return wrI64(nil, marker), statusOK
}

func (s *session) listDirectory(conn net.Conn, ctx *store.Context) ([]byte, byte) {
	id, err := rdI64(conn)
	if err != nil {
		return nil, statusIOError
	}
	dir, err := ctx.GetDirectory(id)
	if err != nil {
		return nil, errorStatus(err)
	}
	var buf bytes.Buffer
	if err := dir.WriteTo(&buf); err != nil {
		return nil, errorStatus(err)
	}
	return wrBlob32(nil, buf.Bytes()), statusOK
}

func (s *session) getObject(conn net.Conn, ctx *store.Context) ([]byte, byte) {
	id, err := rdI64(conn)
	if err != nil {
		return nil, statusIOError
	}
	rd, err := ctx.OpenObject(id)
	if err != nil {
		return nil, errorStatus(err)
	}
	defer rd.Close()
	b, err := io.ReadAll(rd)
	if err != nil {
		return nil, errorStatus(err)
	}
	return wrBlob32(nil, b), statusOK
}

func (s *session) storeFile(conn net.Conn, ctx *store.Context) ([]byte, byte) {
	dirID, err := rdI64(conn)
	if err != nil {
		return nil, statusIOError
	}
	modTime, err := rdI64(conn)
	if err != nil {
		return nil, statusIOError
	}
	attrHash, err := rdI64(conn)
	if err != nil {
		return nil, statusIOError
	}
	diffFrom, err := rdI64(conn)
	if err != nil {
		return nil, statusIOError
	}
	markOld, err := rdU8(conn)
	if err != nil {
		return nil, statusIOError
	}
	name, err := rdBlob16(conn)
	if err != nil {
		return nil, statusIOError
	}
	payload, err := rdBlob32(conn)
	if err != nil {
		return nil, statusIOError
	}

	id, err := ctx.AddFile(dirID, store.Filename(name), modTime, attrHash,
		diffFrom, markOld != 0, bytes.NewReader(payload))
	if err != nil {
		return nil, errorStatus(err)
	}
	return wrI64(nil, id), statusOK
}

func (s *session) deleteFile(conn net.Conn, ctx *store.Context) ([]byte, byte) {
	dirID, err := rdI64(conn)
	if err != nil {
		return nil, statusIOError
	}
	name, err := rdBlob16(conn)
	if err != nil {
		return nil, statusIOError
	}
	id, err := ctx.DeleteFile(dirID, store.Filename(name))
	if err != nil {
		return nil, errorStatus(err)
	}
	return wrI64(nil, id), statusOK
}

func (s *session) undeleteFile(conn net.Conn, ctx *store.Context) ([]byte, byte) {
	dirID, err := rdI64(conn)
	if err != nil {
		return nil, statusIOError
	}
	id, err := rdI64(conn)
	if err != nil {
		return nil, statusIOError
	}
	existed, err := ctx.UndeleteFile(id, dirID)
	if err != nil {
		return nil, errorStatus(err)
	}
	return []byte{boolByte(existed)}, statusOK
}

func (s *session) createDirectory(conn net.Conn, ctx *store.Context) ([]byte, byte) {
	parent, err := rdI64(conn)
	if err != nil {
		return nil, statusIOError
	}
	attrModTime, err := rdI64(conn)
	if err != nil {
		return nil, statusIOError
	}
	name, err := rdBlob16(conn)
	if err != nil {
		return nil, statusIOError
	}
	attrs, err := rdBlob32(conn)
	if err != nil {
		return nil, statusIOError
	}

	id, exists, err := ctx.AddDirectory(parent, store.Filename(name), attrs, attrModTime)
	if err != nil {
		return nil, errorStatus(err)
	}
	return append(wrI64(nil, id), boolByte(exists)), statusOK
}

func (s *session) deleteDirectory(conn net.Conn, ctx *store.Context) ([]byte, byte) {
	id, err := rdI64(conn)
	if err != nil {
		return nil, statusIOError
	}
	undelete, err := rdU8(conn)
	if err != nil {
		return nil, statusIOError
	}
	if err := ctx.DeleteDirectory(id, undelete != 0); err != nil {
		return nil, errorStatus(err)
	}
	return nil, statusOK
}

func (s *session) moveObject(conn net.Conn, ctx *store.Context) ([]byte, byte) {
	id, err := rdI64(conn)
	if err != nil {
		return nil, statusIOError
	}
	from, err := rdI64(conn)
	if err != nil {
		return nil, statusIOError
	}
	to, err := rdI64(conn)
	if err != nil {
		return nil, statusIOError
	}
	flags, err := rdU8(conn)
	if err != nil {
		return nil, statusIOError
	}
	name, err := rdBlob16(conn)
	if err != nil {
		return nil, statusIOError
	}

	err = ctx.MoveObject(id, from, to, store.Filename(name),
		flags&1 != 0, flags&2 != 0)
	if err != nil {
		return nil, errorStatus(err)
	}
	return nil, statusOK
}

func (s *session) changeDirAttributes(conn net.Conn, ctx *store.Context) ([]byte, byte) {
	id, err := rdI64(conn)
	if err != nil {
		return nil, statusIOError
	}
	attrModTime, err := rdI64(conn)
	if err != nil {
		return nil, statusIOError
	}
	attrs, err := rdBlob32(conn)
	if err != nil {
		return nil, statusIOError
	}
	if err := ctx.ChangeDirAttributes(id, attrs, attrModTime); err != nil {
		return nil, errorStatus(err)
	}
	return nil, statusOK
}

func (s *session) changeFileAttributes(conn net.Conn, ctx *store.Context) ([]byte, byte) {
	dirID, err := rdI64(conn)
	if err != nil {
		return nil, statusIOError
	}
	attrHash, err := rdI64(conn)
	if err != nil {
		return nil, statusIOError
	}
	name, err := rdBlob16(conn)
	if err != nil {
		return nil, statusIOError
	}
	attrs, err := rdBlob32(conn)
	if err != nil {
		return nil, statusIOError
	}
	id, err := ctx.ChangeFileAttributes(dirID, store.Filename(name), attrs, attrHash)
	if err != nil {
		return nil, errorStatus(err)
	}
	return wrI64(nil, id), statusOK
}

func (s *session) setClientStoreMarker(conn net.Conn, ctx *store.Context) ([]byte, byte) {
	marker, err := rdI64(conn)
	if err != nil {
		return nil, statusIOError
	}
	if err := ctx.SetClientStoreMarker(marker); err != nil {
		return nil, errorStatus(err)
	}
	return nil, statusOK
}

func (s *session) getAccountUsage(ctx *store.Context) ([]byte, byte) {
	used, soft, hard, err := ctx.GetStoreDiscUsageInfo()
	if err != nil {
		return nil, errorStatus(err)
	}
	out := wrI64(nil, used)
	out = wrI64(out, soft)
	return wrI64(out, hard), statusOK
}

///////////////////////////////////////////////////////////////////////////
// Wire helpers

const maxProtocolBlob = 1 << 28

func rdU8(r io.Reader) (byte, error) {
	var b [1]byte
	_, err := io.ReadFull(r, b[:])
	return b[0], err
}

func rdI64(r io.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}

func rdBlob16(r io.Reader) ([]byte, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(b[:])
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	return buf, err
}

func rdBlob32(r io.Reader) ([]byte, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(b[:])
	if n > maxProtocolBlob {
		return nil, fmt.Errorf("%d byte blob in request", n)
	}
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	return buf, err
}

func wrU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func wrI64(b []byte, v int64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	return append(b, tmp[:]...)
}

func wrBlob32(b, blob []byte) []byte {
	b = wrU32(b, uint32(len(blob)))
	return append(b, blob...)
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
