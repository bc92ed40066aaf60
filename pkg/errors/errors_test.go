package errors

import (
	"context"
	stderrors "errors"
	"net/http"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestContextError(t *testing.T) {
	Convey("Given the sentinel errors", t, func() {
		Convey("WithMessagef should copy without touching the sentinel", func() {
			err := ErrNotFound.WithMessagef("context %s not found", "p1")

			So(err.Message, ShouldEqual, "context p1 not found")
			So(ErrNotFound.Message, ShouldEqual, "context not found")
			So(stderrors.Is(err, ErrNotFound), ShouldBeTrue)
			So(stderrors.Is(err, ErrValidation), ShouldBeFalse)
		})

		Convey("HTTPStatus should map each kind", func() {
			So(HTTPStatus(nil), ShouldEqual, http.StatusOK)
			So(HTTPStatus(ErrValidation), ShouldEqual, http.StatusBadRequest)
			So(HTTPStatus(ErrNotFound), ShouldEqual, http.StatusNotFound)
			So(HTTPStatus(ErrResourceExhausted), ShouldEqual, http.StatusInsufficientStorage)
			So(HTTPStatus(stderrors.New("boom")), ShouldEqual, http.StatusInternalServerError)
		})

		Convey("FromStatus should prefer the decoded body", func() {
			err := FromStatus(http.StatusTeapot, &Body{Error: &ContextError{Kind: KindValidation, Message: "bad"}})
			So(err.Kind, ShouldEqual, KindValidation)
			So(FromStatus(http.StatusNotFound, nil).Kind, ShouldEqual, KindNotFound)
		})
	})
}

func TestNewError(t *testing.T) {
	Convey("Given a mix of errors and messages", t, func() {
		inner := stderrors.New("inner")
		err := NewError(inner, "while closing", nil)

		Convey("It should aggregate both and unwrap", func() {
			So(err.Error(), ShouldEqual, "inner\nwhile closing")
			So(stderrors.Is(err, inner), ShouldBeTrue)
		})

		Convey("Nothing to report should be nil", func() {
			So(NewError(nil), ShouldBeNil)
		})
	})
}

func TestRetryWithBackoff(t *testing.T) {
	config := &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2,
	}

	Convey("Given a function that fails twice", t, func() {
		calls := 0
		err := RetryWithBackoff(context.Background(), config, func(int) error {
			calls++
			if calls < 3 {
				return stderrors.New("not yet")
			}
			return nil
		})

		So(err, ShouldBeNil)
		So(calls, ShouldEqual, 3)
	})

	Convey("Given a function that always fails", t, func() {
		calls := 0
		err := RetryWithBackoff(context.Background(), config, func(int) error {
			calls++
			return stderrors.New("nope")
		})

		So(err, ShouldNotBeNil)
		So(calls, ShouldEqual, 3)
	})

	Convey("Given a permanent failure", t, func() {
		calls := 0
		err := RetryWithBackoff(context.Background(), config, func(int) error {
			calls++
			return Permanent(ErrValidation)
		})

		So(calls, ShouldEqual, 1)
		So(stderrors.Is(err, ErrValidation), ShouldBeTrue)
	})

	Convey("Delay should stay within the jittered bounds and the cap", t, func() {
		jittered := &RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2, Jitter: 0.5}

		for i := 0; i < 20; i++ {
			d := jittered.Delay(1)
			So(int64(d), ShouldBeGreaterThanOrEqualTo, int64(100*time.Millisecond))
			So(int64(d), ShouldBeLessThanOrEqualTo, int64(300*time.Millisecond))
		}

		So(int64(jittered.Delay(10)), ShouldBeLessThanOrEqualTo, int64(1500*time.Millisecond))
	})
}
