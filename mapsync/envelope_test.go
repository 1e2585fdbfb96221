package mapsync_test

import (
	"bytes"
	"testing"

	"go.viam.com/test"

	"go.viam.com/mapshare/config"
	"go.viam.com/mapshare/mapsync"
)

func TestEnvelope(t *testing.T) {
	payload, err := mapsync.EncodeMap(testMapMessage(200))
	test.That(t, err, test.ShouldBeNil)

	for _, codec := range []string{config.CompressionGzip, config.CompressionZstd, config.CompressionLZ4} {
		t.Run(codec, func(t *testing.T) {
			compressed, err := mapsync.Compress(codec, payload)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, mapsync.DetectCompression(compressed), test.ShouldEqual, codec)
			test.That(t, bytes.Equal(compressed, payload), test.ShouldBeFalse)

			decompressed, err := mapsync.Decompress(compressed)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, bytes.Equal(decompressed, payload), test.ShouldBeTrue)

			_, err = mapsync.DecodeMap(decompressed)
			test.That(t, err, test.ShouldBeNil)
		})
	}

	t.Run("none", func(t *testing.T) {
		out, err := mapsync.Compress(config.CompressionNone, payload)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, mapsync.DetectCompression(out), test.ShouldEqual, config.CompressionNone)
		decompressed, err := mapsync.Decompress(out)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, bytes.Equal(decompressed, payload), test.ShouldBeTrue)
	})

	t.Run("pooled encoders are reusable", func(t *testing.T) {
		for i := 0; i < 4; i++ {
			compressed, err := mapsync.Compress(config.CompressionZstd, payload[:len(payload)-i])
			test.That(t, err, test.ShouldBeNil)
			decompressed, err := mapsync.Decompress(compressed)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, decompressed, test.ShouldHaveLength, len(payload)-i)
		}
	})

	t.Run("unknown codec", func(t *testing.T) {
		_, err := mapsync.Compress("brotli", payload)
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("corrupt stream", func(t *testing.T) {
		compressed, err := mapsync.Compress(config.CompressionGzip, payload)
		test.That(t, err, test.ShouldBeNil)
		_, err = mapsync.Decompress(compressed[:len(compressed)/2])
		test.That(t, err, test.ShouldNotBeNil)
	})
}
