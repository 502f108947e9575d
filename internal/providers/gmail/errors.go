package gmail

import (
	"net/http"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"github.com/Martian-dev/mailsync/internal/mail"
)

// Mapper translates Gmail API failures into *mail.Error.
type Mapper struct{}

func (Mapper) Map(err error) *mail.Error {
	switch cause := errors.Cause(err).(type) {
	case *googleapi.Error:
		e := mail.ProviderError(cause.Code, cause.Message, err)
		if cause.Code == http.StatusForbidden {
			for _, item := range cause.Errors {
				if item.Reason == "insufficientPermissions" {
					e.AuthRequired = true
				}
			}
		}
		return e
	case *oauth2.RetrieveError:
		return mail.CredentialError(err)
	}
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		return mail.ProviderError(ge.Code, ge.Message, err)
	}
	return mail.BaseErrorMapper{}.Map(err)
}
