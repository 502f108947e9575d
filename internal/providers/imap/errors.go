package imap

import (
	"io"
	"net/http"

	"github.com/emersion/go-imap/v2"
	"github.com/pkg/errors"

	"github.com/Martian-dev/mailsync/internal/mail"
)

// Mapper translates IMAP status responses and transport failures into
// *mail.Error.
type Mapper struct{}

func (Mapper) Map(err error) *mail.Error {
	if errors.Is(err, errTokenExpired) {
		return mail.ProviderError(http.StatusGone, err.Error(), err)
	}
	var ie *imap.Error
	if errors.As(err, &ie) {
		switch ie.Code {
		case imap.ResponseCodeAuthenticationFailed, imap.ResponseCodeAuthorizationFailed:
			return mail.CredentialError(err)
		case imap.ResponseCodeNonExistent:
			return mail.ProviderError(http.StatusNotFound, ie.Text, err)
		}
		return mail.ProviderError(0, ie.Text, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return mail.NetworkError(err)
	}
	return mail.BaseErrorMapper{}.Map(err)
}
