package outlook

import (
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/pkg/errors"

	"github.com/Martian-dev/mailsync/internal/mail"
)

// Mapper translates Graph and Azure failures into *mail.Error.
type Mapper struct{}

func (Mapper) Map(err error) *mail.Error {
	var oe *odataerrors.ODataError
	if errors.As(err, &oe) {
		code, msg := oe.ResponseStatusCode, oe.Error()
		var graphCode string
		if me := oe.GetErrorEscaped(); me != nil {
			graphCode = deref(me.GetCode())
			msg = graphCode + ": " + deref(me.GetMessage())
		}
		e := mail.ProviderError(code, msg, err)
		// Graph reports a lapsed grant as 403 with this code.
		if code == http.StatusForbidden && graphCode == "ErrorAccessDenied" {
			e.AuthRequired = true
		}
		return e
	}
	var re *azcore.ResponseError
	if errors.As(err, &re) {
		e := mail.ProviderError(re.StatusCode, re.ErrorCode, err)
		if re.StatusCode == http.StatusUnauthorized || (re.StatusCode == http.StatusBadRequest && re.ErrorCode == "invalid_grant") {
			return mail.CredentialError(err)
		}
		return e
	}
	return mail.BaseErrorMapper{}.Map(err)
}
