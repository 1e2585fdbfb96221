package logging

import (
	"testing"

	"go.viam.com/test"
)

func TestRegistryPatterns(t *testing.T) {
	registry := newRegistry()
	reloc := registry.getOrRegister("mapshare.relocalizer", NewBlankLogger("mapshare.relocalizer"))
	builder := registry.getOrRegister("mapshare.mapbuilder", NewBlankLogger("mapshare.mapbuilder"))
	test.That(t, registry.getOrRegister("mapshare.relocalizer", NewBlankLogger("other")), test.ShouldEqual, reloc)

	err := registry.UpdateConfig([]LoggerPatternConfig{
		{Pattern: "mapshare.*", Level: "warn"},
		{Pattern: "mapshare.relocalizer", Level: "debug"},
		{Pattern: "bad pattern!", Level: "debug"},
	}, NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, reloc.GetLevel(), test.ShouldEqual, DEBUG)
	test.That(t, builder.GetLevel(), test.ShouldEqual, WARN)

	late := registry.getOrRegister("mapshare.sync", NewBlankLogger("mapshare.sync"))
	test.That(t, late.GetLevel(), test.ShouldEqual, WARN)

	test.That(t, registry.UpdateConfig(nil, NewTestLogger(t)), test.ShouldBeNil)
	test.That(t, reloc.GetLevel(), test.ShouldEqual, INFO)

	test.That(t, registry.updateLoggerLevel("missing", ERROR), test.ShouldNotBeNil)
	test.That(t, registry.registeredNames(), test.ShouldResemble,
		[]string{"mapshare.mapbuilder", "mapshare.relocalizer", "mapshare.sync"})

	test.That(t, registry.deregister("mapshare.sync"), test.ShouldBeTrue)
	test.That(t, registry.deregister("mapshare.sync"), test.ShouldBeFalse)
	test.That(t, registry.getOrRegister("mapshare.sync", NewBlankLogger("fresh")), test.ShouldNotEqual, late)
}

func TestPatternValidation(t *testing.T) {
	test.That(t, LoggerPatternConfig{Pattern: "a.*.b", Level: "info"}.Validate(), test.ShouldBeNil)
	test.That(t, LoggerPatternConfig{Pattern: "a..b", Level: "info"}.Validate(), test.ShouldNotBeNil)
	test.That(t, LoggerPatternConfig{Pattern: "a", Level: "chatty"}.Validate(), test.ShouldNotBeNil)
}
