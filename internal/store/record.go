package store

import (
	"fmt"
	"strconv"
	"strings"
)

// Canonical status codes recorded on outcomes and URL resolutions.
const (
	StatusOK            = 200 // success, caption parsed
	StatusParseFailed   = 400 // model returned text but JSON parse failed
	StatusAuthDenied    = 403 // known auth denial
	StatusNotFound      = 404 // source record absent
	StatusUnusable      = 405 // record present but unusable (missing fields, GIF)
	StatusTransport     = 500 // transport, storage, or uncategorized error after retries
	StatusReserved      = 998 // reserved: pre-classified skip
	StatusPolicyBlocked = 999 // model refused by safety/content policy, never retried
)

// ProcessedStatusCodes are the terminal codes that count as "done" for
// re-run idempotency.
var ProcessedStatusCodes = []int{
	StatusOK,
	StatusAuthDenied,
	StatusNotFound,
	StatusUnusable,
	StatusReserved,
	StatusPolicyBlocked,
}

// ShardSize is the number of ids per outcome collection.
const ShardSize = 100000

// ShardKey returns the shard an id routes to.
func ShardKey(id int64) int64 {
	return id / ShardSize
}

// ShardName returns the outcome collection name for an id.
// Collections are named by the decimal shard key, no leading zeros.
func ShardName(id int64) string {
	return strconv.FormatInt(ShardKey(id), 10)
}

const cdnBase = "https://cdn.donmai.us/original"

// RecordMeta is the nested metadata block present on older records.
// Root-level tag fields are authoritative; these are consulted only when the
// root-level field is absent.
type RecordMeta struct {
	General   []string `bson:"general"`
	Character []string `bson:"character"`
	Artist    []string `bson:"artist"`
	Copyright []string `bson:"copyright"`
}

// ImageRecord is a read-only image metadata document.
type ImageRecord struct {
	ID int64 `bson:"_id"`

	MD5     string `bson:"md5"`
	FileExt string `bson:"file_ext"`

	GeneralTags   []string `bson:"general_tags"`
	CharacterTags []string `bson:"character_tags"`
	ArtistTags    []string `bson:"artist_tags"`
	CopyrightTags []string `bson:"copyright_tags"`
	MetaTags      []string `bson:"meta_tags"`

	Width  int    `bson:"width"`
	Height int    `bson:"height"`
	Rating string `bson:"rating"`
	Source string `bson:"source"`

	Meta *RecordMeta `bson:"danbooru_meta,omitempty"`
}

// General returns the general tags, falling back to the metadata block for
// older records.
func (r *ImageRecord) General() []string {
	if r.GeneralTags != nil {
		return r.GeneralTags
	}
	if r.Meta != nil {
		return r.Meta.General
	}
	return nil
}

// Character returns the character tags with metadata fallback.
func (r *ImageRecord) Character() []string {
	if r.CharacterTags != nil {
		return r.CharacterTags
	}
	if r.Meta != nil {
		return r.Meta.Character
	}
	return nil
}

// Artist returns the artist tags with metadata fallback.
func (r *ImageRecord) Artist() []string {
	if r.ArtistTags != nil {
		return r.ArtistTags
	}
	if r.Meta != nil {
		return r.Meta.Artist
	}
	return nil
}

// Copyright returns the copyright tags with metadata fallback.
func (r *ImageRecord) Copyright() []string {
	if r.CopyrightTags != nil {
		return r.CopyrightTags
	}
	if r.Meta != nil {
		return r.Meta.Copyright
	}
	return nil
}

// BuildURL synthesizes the CDN URL for the record. Pure, no I/O.
// Returns "" when the record cannot produce a usable URL: missing hash or
// extension, or a GIF.
func (r *ImageRecord) BuildURL() string {
	if len(r.MD5) < 4 || r.FileExt == "" || r.FileExt == "gif" {
		return ""
	}
	return fmt.Sprintf("%s/%s/%s/%s.%s", cdnBase, r.MD5[0:2], r.MD5[2:4], r.MD5, r.FileExt)
}

// URLResult is the transient URL-resolution triple for one id.
type URLResult struct {
	URL    string
	Status int
}

// Resolve classifies a present record into a URLResult.
// 200 when a URL is synthesizable, 405 otherwise. The gif check on the
// synthesized URL also rejects hashes that happen to contain "gif".
func (r *ImageRecord) Resolve() URLResult {
	url := r.BuildURL()
	if url == "" || strings.Contains(url, "gif") {
		return URLResult{Status: StatusUnusable}
	}
	return URLResult{URL: url, Status: StatusOK}
}

// MimeTypes maps file extensions to MIME types for the model request.
var MimeTypes = map[string]string{
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"webp": "image/webp",
	"gif":  "image/gif",
}

// MimeForExt returns the MIME type for an extension, defaulting to JPEG.
func MimeForExt(ext string) string {
	if m, ok := MimeTypes[strings.ToLower(ext)]; ok {
		return m
	}
	return "image/jpeg"
}
