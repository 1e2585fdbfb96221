// Package mapsync moves maps and poses between devices. Messages are little endian binary records
// that start with an 8 byte ASCII tag and a format version, may be wrapped in a compression
// envelope recognized by its magic bytes, and travel in containers whose per-channel versions let
// a receiver drop anything older than what it already has.
package mapsync
