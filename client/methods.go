package client

import (
	httperrors "github.com/nczempin/httploop/errors"
	"github.com/nczempin/httploop/handler"
	"github.com/nczempin/httploop/protocol"
)

// Get performs a GET request.
func (s *Client) Get(url string, onResponse handler.ResponseFunc) error {
	return s.Do(protocol.NewRequest("GET", url), onResponse)
}

// Head performs a HEAD request. The response carries headers only.
func (s *Client) Head(url string, onResponse handler.ResponseFunc) error {
	return s.Do(protocol.NewRequest("HEAD", url), onResponse)
}

// Post performs a POST request with body.
func (s *Client) Post(url, contentType string, body []byte, onResponse handler.ResponseFunc) error {
	req := protocol.NewRequest("POST", url)
	req.Body = body
	if contentType != "" {
		req.Headers.Set("Content-Type", contentType)
	}
	return s.Do(req, onResponse)
}

// Do validates req and sends it. A request rejected here returns an error
// and onResponse never fires; otherwise onResponse fires exactly once.
func (s *Client) Do(req *protocol.Request, onResponse handler.ResponseFunc) error {
	if err := validateRequest(req); err != nil {
		return err
	}
	s.AsyncHandle(req, onResponse)
	return nil
}

func validateRequest(req *protocol.Request) error {
	if req == nil {
		return httperrors.NewInvalidArgumentError("nil request")
	}
	switch req.Method {
	case "GET", "HEAD":
		if len(req.Body) > 0 {
			return httperrors.NewInvalidArgumentError(req.Method + " request cannot have a body")
		}
	case "POST":
		if len(req.Body) == 0 {
			return httperrors.NewInvalidArgumentError("POST request must have a body")
		}
	case "CONNECT":
		return httperrors.NewInvalidArgumentError("CONNECT is not supported")
	}
	return nil
}
