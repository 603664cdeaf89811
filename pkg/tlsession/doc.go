// Package tlsession manages the lifecycle of TLS sessions driven through an
// engine.Engine.
//
// A Config turns an ordered list of Settings into an engine configuration
// handle. A Client or Server owns one engine context configured from it and
// negotiates Sessions; a Session reads, writes and closes. Every engine call
// that may report StatusWantRead or StatusWantWrite is repeated until it
// settles, so all operations block from the caller's point of view. The
// loop is unbounded by default; cancel the context, or use WithMaxRetries or
// WithRetryLimiter, to bound it.
//
// Typical client use:
//
//	err := tlsession.WithClient(eng, settings, func(c *tlsession.Client) error {
//		return c.ConnectFunc(ctx, "example.com", "443", func(s *tlsession.Session) error {
//			if _, err := s.Write(ctx, []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")); err != nil {
//				return err
//			}
//			resp, err := s.Read(ctx)
//			fmt.Printf("%s", resp)
//			return err
//		})
//	})
//
// Engine initialization happens once per engine value on the first
// successful construction of a Client or Server.
package tlsession
