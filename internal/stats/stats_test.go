// SPDX-License-Identifier: AGPL-3.0-or-later

package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordFailure_KeepsCountAndListInSync(t *testing.T) {
	s := New()

	s.RecordFailure("邮件发送失败: timeout", "a.eml", false)
	s.RecordFailure("邮件发送失败: timeout", "b.eml", false)
	s.RecordFailure("读取文件失败", "c.eml", true)

	assert.Equal(t, 2, s.ErrorDetails["邮件发送失败: timeout"])
	assert.Equal(t, []string{"a.eml", "b.eml"}, s.FailedFiles["邮件发送失败: timeout"])
	assert.Len(t, s.FailedFiles["邮件发送失败: timeout"], s.ErrorDetails["邮件发送失败: timeout"])

	assert.Equal(t, 1, s.ParseErrors)
	assert.Equal(t, 2, s.SendErrors)
}

func TestRecordSuccess(t *testing.T) {
	s := New()
	s.RecordSuccess(10*time.Millisecond, 20*time.Millisecond)
	s.RecordSuccess(5*time.Millisecond, 8*time.Millisecond)

	assert.Equal(t, 2, s.EmailCount)
	assert.Len(t, s.ParseDurations, 2)
	assert.Len(t, s.SendDurations, 2)
}

func TestMerge_ConcatenatesAndSums(t *testing.T) {
	a := New()
	a.RecordSuccess(time.Millisecond, time.Millisecond)
	a.RecordFailure("classA", "x.eml", false)

	b := New()
	b.RecordSuccess(time.Millisecond, time.Millisecond)
	b.RecordFailure("classA", "y.eml", false)
	b.RecordFailure("classB", "z.eml", true)

	a.Merge(b)

	assert.Equal(t, 2, a.EmailCount)
	assert.Equal(t, 2, a.ErrorDetails["classA"])
	assert.Equal(t, []string{"x.eml", "y.eml"}, a.FailedFiles["classA"])
	assert.Equal(t, 1, a.ErrorDetails["classB"])
	assert.Equal(t, 1, a.ParseErrors)
	assert.Equal(t, 2, a.SendErrors)
}

func TestMerge_Nil(t *testing.T) {
	a := New()
	a.RecordSuccess(time.Millisecond, time.Millisecond)
	a.Merge(nil)
	assert.Equal(t, 1, a.EmailCount)
}

func TestReport_SortsByDescendingCount(t *testing.T) {
	s := New()
	s.RecordFailure("rare", "a.eml", false)
	s.RecordFailure("common", "b.eml", false)
	s.RecordFailure("common", "c.eml", false)

	report := s.Report()
	commonIdx := indexOf(report, "common")
	rareIdx := indexOf(report, "rare")
	assert.Greater(t, rareIdx, commonIdx)
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
