package nouveau

import "errors"

// errNoProgress is returned by a progress step that cannot run, such as a
// flush requested while a command is still open.
var errNoProgress = errors.New("nouveau: cannot force progress")

type attempt int

const (
	firstAttempt attempt = iota
	retryAttempt
)

// retryOnce runs op. If op fails with an error accepted by retryable,
// progress runs once (typically a forced flush) and op is tried exactly one
// more time. Progress strictly advances fence state, so the bound is also
// the only retry that can help.
//
// When progress cannot run, the first error from op is returned.
func retryOnce(op func() error, retryable func(error) bool, progress func() error) error {
	state := firstAttempt
	for {
		err := op()
		if err == nil || state == retryAttempt || !retryable(err) {
			return err
		}
		if perr := progress(); perr != nil {
			if errors.Is(perr, errNoProgress) {
				return err
			}
			return perr
		}
		state = retryAttempt
	}
}

func isNoSpace(err error) bool {
	return errors.Is(err, ErrNoSpace)
}
