package etcdstore

import (
	"strconv"
	"strings"
)

// versionMatches 判断版本是否满足规则。
//
//	""、"0+"、"0.0.0+" 匹配任意版本
//	"1.2+"            匹配不低于 1.2 的版本
//	"1.0.0-2.0.0"     匹配 [1.0.0, 2.0.0) 区间
//	其他              精确匹配
func versionMatches(rule, version string) bool {
	rule = strings.TrimSpace(rule)
	switch {
	case rule == "":
		return true
	case strings.HasSuffix(rule, "+"):
		return compareVersion(version, strings.TrimSuffix(rule, "+")) >= 0
	}
	if low, high, ok := strings.Cut(rule, "-"); ok && low != "" && high != "" {
		return compareVersion(version, low) >= 0 && compareVersion(version, high) < 0
	}
	return rule == version
}

// compareVersion 按点分数字逐段比较，缺失段视为 0，非数字段按 0 处理
func compareVersion(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := range max(len(as), len(bs)) {
		x, y := segment(as, i), segment(bs, i)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}

func segment(parts []string, i int) int {
	if i >= len(parts) {
		return 0
	}
	n, err := strconv.Atoi(parts[i])
	if err != nil {
		return 0
	}
	return n
}
