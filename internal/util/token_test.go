package util

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestTokenManager(t *testing.T) {
	Convey("access tokens", t, func() {
		now := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
		tm := NewTokenManager("secret", 2)
		tm.now = func() time.Time { return now }

		token, err := tm.CreateToken(&JWTMessage{UserID: 7, Username: "alice"})
		So(err, ShouldBeNil)

		Convey("round trip", func() {
			msg, err := tm.CheckToken(token)
			So(err, ShouldBeNil)
			So(msg.UserID, ShouldEqual, 7)
			So(msg.Username, ShouldEqual, "alice")
		})

		Convey("expired after the ttl", func() {
			now = now.Add(3 * time.Hour)
			_, err := tm.CheckToken(token)
			So(err, ShouldNotBeNil)
		})

		Convey("signed with another secret", func() {
			other := NewTokenManager("other", 2)
			_, err := other.CheckToken(token)
			So(err, ShouldNotBeNil)
		})

		Convey("anonymous claims are rejected", func() {
			anon, err := tm.CreateToken(&JWTMessage{Username: "ghost"})
			So(err, ShouldBeNil)
			_, err = tm.CheckToken(anon)
			So(err, ShouldNotBeNil)
		})

		Convey("no secret configured", func() {
			_, err := NewTokenManager("", 2).CreateToken(&JWTMessage{UserID: 1})
			So(err, ShouldNotBeNil)
		})
	})
}
