/*
Copyright 2024 The ragrelay Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ragrelay

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/OneOfOne/xxhash"
)

const cacheKeyDelimiter = ":"

// DefaultSentenceWindowSize is substituted when a request omits the
// sentence window size. Substitution happens before key composition, so an
// omitted value and an explicit default produce the same key.
const DefaultSentenceWindowSize = 3

// CacheKey joins the prefix and the stringified parts with a fixed
// delimiter. Equal prefix and equal ordered parts always produce the same
// key.
func CacheKey(prefix string, parts ...interface{}) string {
	var b strings.Builder
	b.WriteString(prefix)
	for _, part := range parts {
		b.WriteString(cacheKeyDelimiter)
		fmt.Fprintf(&b, "%v", part)
	}
	return b.String()
}

// QueryCacheKey derives the cache key for a chat query. The question is
// reduced to a fixed-width xxhash so arbitrary user text never lands in a
// key verbatim; the hash is not a security boundary, it only needs to be
// stable within the process. sentenceWindowSize falls back to
// DefaultSentenceWindowSize when non-positive.
func QueryCacheKey(question string, topK int, enableRerank, enableLLMRerank bool, sentenceWindowSize int) string {
	if sentenceWindowSize <= 0 {
		sentenceWindowSize = DefaultSentenceWindowSize
	}
	hash := strconv.FormatUint(xxhash.ChecksumString64S(question, 0), 16)
	return CacheKey("query", hash, topK, boolFlag(enableRerank), boolFlag(enableLLMRerank), sentenceWindowSize)
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
