package utils

import (
	"context"
	"testing"

	"go.viam.com/test"
)

func TestGroupWorkParallel(t *testing.T) {
	for _, total := range []int{0, 1, 3, 17, 1000} {
		seen := make([]int, total)
		var groups int
		err := GroupWorkParallel(context.Background(), total, func(numGroups int) {
			groups = numGroups
		}, func(groupNum, groupSize, from, to int) (MemberWorkFunc, GroupWorkDoneFunc) {
			return func(memberNum, workNum int) {
				seen[workNum]++
			}, nil
		})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, groups, test.ShouldBeLessThanOrEqualTo, ParallelFactor)
		for _, count := range seen {
			test.That(t, count, test.ShouldEqual, 1)
		}
	}
}

func TestParallelForEachCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ParallelForEach(ctx, 10, func(int) {})
	test.That(t, err, test.ShouldBeError, context.Canceled)
}

func TestParallelForEach(t *testing.T) {
	squares := make([]int, 100)
	err := ParallelForEach(context.Background(), len(squares), func(i int) { squares[i] = i * i })
	test.That(t, err, test.ShouldBeNil)
	test.That(t, squares[99], test.ShouldEqual, 99*99)
	test.That(t, squares[0], test.ShouldEqual, 0)
}
