package devicelink

import "errors"

var (
	// ErrInvalidCommand is returned by Enqueue for tags that cannot be triggered externally.
	ErrInvalidCommand = errors.New("devicelink: command cannot be triggered")

	// ErrMailboxFull is returned by Enqueue when the link is not keeping up.
	ErrMailboxFull = errors.New("devicelink: command mailbox full")

	// ErrLinkClosed is returned by Enqueue after the link has stopped.
	ErrLinkClosed = errors.New("devicelink: link closed")
)
