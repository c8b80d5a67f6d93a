package chain

import (
	"reflect"
	"testing"
)

func results(m map[string]map[string]any) map[string]map[string]any { return m }

func TestResolveParams_LiteralPassthrough(t *testing.T) {
	params := map[string]any{
		"item_name": "牛乳",
		"quantity":  2.0,
		"note":      "task-less string with dots. not a ref",
	}
	out := ResolveParams(params, nil)
	if !reflect.DeepEqual(out, params) {
		t.Errorf("literals changed: %v", out)
	}
}

func TestResolveParams_SessionContextPassesThrough(t *testing.T) {
	params := map[string]any{"user_id": "session.context.user_id"}
	out := ResolveParams(params, nil)
	if out["user_id"] != "session.context.user_id" {
		t.Errorf("session reference must pass through untouched, got %v", out["user_id"])
	}
}

func TestResolveParams_WholeResult(t *testing.T) {
	res := results(map[string]map[string]any{
		"task1": {"success": true, "data": map[string]any{"items": []any{}}},
	})
	out := ResolveParams(map[string]any{"input": "task1.result"}, res)
	if !reflect.DeepEqual(out["input"], res["task1"]) {
		t.Errorf("expected whole result, got %v", out["input"])
	}
}

func TestResolveParams_KnownLeafReadsData(t *testing.T) {
	res := results(map[string]map[string]any{
		"task1": {"data": map[string]any{"item_name": "豆腐"}},
	})
	out := ResolveParams(map[string]any{"name": "task1.result.item_name"}, res)
	if out["name"] != "豆腐" {
		t.Errorf("expected 豆腐, got %v", out["name"])
	}
}

func TestResolveParams_NestedPathWalk(t *testing.T) {
	res := results(map[string]map[string]any{
		"task1": {"data": map[string]any{"inner": map[string]any{"value": "x"}}},
	})
	out := ResolveParams(map[string]any{"v": "task1.result.data.inner.value"}, res)
	if out["v"] != "x" {
		t.Errorf("expected x, got %v", out["v"])
	}
}

func TestResolveParams_TitleCollapse(t *testing.T) {
	res := results(map[string]map[string]any{
		"task1": {"data": map[string]any{"candidates": []any{
			map[string]any{"title": "肉じゃが", "category": "和食"},
			map[string]any{"title": "カレー", "category": "洋食"},
		}}},
	})
	out := ResolveParams(map[string]any{"titles": "task1.result.candidates"}, res)
	want := []any{"肉じゃが", "カレー"}
	if !reflect.DeepEqual(out["titles"], want) {
		t.Errorf("expected collapsed titles %v, got %v", want, out["titles"])
	}
}

func TestResolveParams_NoCollapseWhenTitleMissing(t *testing.T) {
	list := []any{
		map[string]any{"title": "肉じゃが"},
		map[string]any{"name": "カレー"},
	}
	res := results(map[string]map[string]any{
		"task1": {"data": map[string]any{"candidates": list}},
	})
	out := ResolveParams(map[string]any{"c": "task1.result.candidates"}, res)
	if !reflect.DeepEqual(out["c"], list) {
		t.Errorf("mixed list must not collapse, got %v", out["c"])
	}
}

func TestResolveParams_UnresolvedKeepsLiteral(t *testing.T) {
	out := ResolveParams(map[string]any{"v": "task9.result.title"}, nil)
	if out["v"] != "task9.result.title" {
		t.Errorf("unresolved reference must stay literal, got %v", out["v"])
	}
}

func TestResolveParams_CommaJoin(t *testing.T) {
	res := results(map[string]map[string]any{
		"task1": {"data": map[string]any{"title": "主菜A"}},
		"task2": {"data": map[string]any{"title": "副菜B"}},
	})
	out := ResolveParams(map[string]any{"titles": "task1.result.title, task2.result.title"}, res)
	want := []any{"主菜A", "副菜B"}
	if !reflect.DeepEqual(out["titles"], want) {
		t.Errorf("expected %v, got %v", want, out["titles"])
	}
}

func TestResolveParams_CommaJoinSkipsUnresolved(t *testing.T) {
	res := results(map[string]map[string]any{
		"task1": {"data": map[string]any{"title": "主菜A"}},
	})
	out := ResolveParams(map[string]any{"titles": "task1.result.title, task9.result.title"}, res)
	want := []any{"主菜A"}
	if !reflect.DeepEqual(out["titles"], want) {
		t.Errorf("expected %v, got %v", want, out["titles"])
	}
}

func TestResolveParams_CommaInPlainTextStaysLiteral(t *testing.T) {
	s := "にんじん, たまねぎ"
	out := ResolveParams(map[string]any{"v": s}, nil)
	if out["v"] != s {
		t.Errorf("plain comma text must stay literal, got %v", out["v"])
	}
}

func TestResolveParams_ConcatExtendsLists(t *testing.T) {
	res := results(map[string]map[string]any{
		"task1": {"data": map[string]any{"ingredients": []any{"豚肉", "玉ねぎ"}}},
		"task2": {"data": map[string]any{"ingredients": []any{"豆腐"}}},
	})
	out := ResolveParams(map[string]any{"all": "task1.result.ingredients + task2.result.ingredients"}, res)
	want := []any{"豚肉", "玉ねぎ", "豆腐"}
	if !reflect.DeepEqual(out["all"], want) {
		t.Errorf("expected %v, got %v", want, out["all"])
	}
}

func TestResolveParams_ConcatSkipsUnresolvedSide(t *testing.T) {
	res := results(map[string]map[string]any{
		"task1": {"data": map[string]any{"ingredients": []any{"豚肉"}}},
	})
	out := ResolveParams(map[string]any{"all": "task1.result.ingredients + task9.result.ingredients"}, res)
	want := []any{"豚肉"}
	if !reflect.DeepEqual(out["all"], want) {
		t.Errorf("expected %v, got %v", want, out["all"])
	}
}

func TestResolveParams_ListValuesResolveElementWise(t *testing.T) {
	res := results(map[string]map[string]any{
		"task1": {"data": map[string]any{"title": "主菜A"}},
	})
	out := ResolveParams(map[string]any{
		"mixed": []any{"task1.result.title", "literal"},
	}, res)
	want := []any{"主菜A", "literal"}
	if !reflect.DeepEqual(out["mixed"], want) {
		t.Errorf("expected %v, got %v", want, out["mixed"])
	}
}

func TestResolveParams_Idempotent(t *testing.T) {
	res := results(map[string]map[string]any{
		"task1": {"data": map[string]any{"title": "主菜A"}},
	})
	params := map[string]any{"name": "task1.result.title", "plain": "そのまま"}
	once := ResolveParams(params, res)
	twice := ResolveParams(once, res)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("resolution not idempotent: %v vs %v", once, twice)
	}
}
