// Package errkind centralizes the engine's error-kind taxonomy so
// every subsystem (metainfo, wire, disk, resume) raises errors the
// host program can switch on by kind rather than by string matching,
// following the rain/btconn style of small sentinel errors
// (errInvalidInfoHash, ErrOwnConnection) generalized to a shared type.
package errkind

import "github.com/pkg/errors"

// Kind is a stable, documented error code.
type Kind string

// Metadata errors.
const (
	TorrentMissingPieceLength Kind = "torrent_missing_piece_length"
	TorrentMissingName        Kind = "torrent_missing_name"
	TorrentMissingInfo        Kind = "torrent_missing_info"
	TorrentInvalidLength      Kind = "torrent_invalid_length"
	TorrentInvalidName        Kind = "torrent_invalid_name"
	TorrentInvalidHashes      Kind = "torrent_invalid_hashes"
	TorrentInvalidPieceLayer  Kind = "torrent_invalid_piece_layer"
	TorrentInconsistentFiles  Kind = "torrent_inconsistent_files"
	TorrentFileParseFailed    Kind = "torrent_file_parse_failed"
	TooManyPiecesInTorrent    Kind = "too_many_pieces_in_torrent"
	NoFilesInTorrent          Kind = "no_files_in_torrent"
	TorrentInvalidPadFile     Kind = "torrent_invalid_pad_file"
	TorrentMissingPiecesRoot  Kind = "torrent_missing_pieces_root"
	TooManyDuplicateFilenames Kind = "too_many_duplicate_filenames"
)

// Wire-protocol errors.
const (
	InvalidInfoHash   Kind = "invalid_info_hash"
	UnknownTorrent    Kind = "unknown_torrent"
	SelfConnection    Kind = "self_connection"
	DuplicateBitfield Kind = "duplicate_bitfield"
	InvalidHaveAll    Kind = "invalid_have_all"
	InvalidReject     Kind = "invalid_reject"
	InvalidRequest    Kind = "invalid_request"
	InvalidPiece      Kind = "invalid_piece"
	InvalidCancel     Kind = "invalid_cancel"
	InvalidMessage    Kind = "invalid_message"
	PeerBanned        Kind = "peer_banned"
)

// Disk errors.
const (
	NoSpaceOnDevice Kind = "no_space_on_device"
	FileNotFound    Kind = "file_not_found"
	PermissionDenied Kind = "permission_denied"
	FatalDiskError  Kind = "fatal_disk_error"
	FileRead        Kind = "file_read"
	FileWrite       Kind = "file_write"
	FileOpen        Kind = "file_open"
	FileRename      Kind = "file_rename"
)

// Resume errors.
const (
	MismatchingInfoHash      Kind = "mismatching_info_hash"
	MismatchingFileSize      Kind = "mismatching_file_size"
	MismatchingFileTimestamp Kind = "mismatching_file_timestamp"
)

// Error pairs a Kind with the underlying cause and, for disk errors,
// the offending file/operation (code, operation, file index).
type Error struct {
	Kind      Kind
	Op        string
	FileIndex int
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return string(e.Kind) + ": " + e.cause.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error with no underlying cause.
func New(kind Kind) *Error {
	return &Error{Kind: kind}
}

// Wrap attaches kind to cause, annotating with pkg/errors so the
// wrapped error carries a stack trace to the alert surface.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, cause: errors.Wrap(cause, string(kind))}
}

// WrapDisk attaches kind, operation and file index to a disk failure.
func WrapDisk(kind Kind, op string, fileIndex int, cause error) *Error {
	return &Error{Kind: kind, Op: op, FileIndex: fileIndex, cause: errors.Wrap(cause, string(kind))}
}

// Is reports whether err carries the given Kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// protocolViolationKinds are the wire-protocol Kinds a connection's
// dispatch loop raises when the peer itself broke the protocol
// (malformed message, duplicate bitfield, reject for a request never
// sent, …), as opposed to a transport error (read/write failure, EOF)
// which is nobody's fault and must not be banned for.
var protocolViolationKinds = map[Kind]bool{
	DuplicateBitfield: true,
	InvalidHaveAll:    true,
	InvalidReject:     true,
	InvalidRequest:    true,
	InvalidPiece:      true,
	InvalidCancel:     true,
	InvalidMessage:    true,
}

// IsProtocolViolation reports whether err represents a peer protocol
// violation (ban-worthy) rather than a transport error (not
// ban-worthy, the peer did nothing wrong).
func IsProtocolViolation(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return protocolViolationKinds[e.Kind]
	}
	return false
}
