package browser

import (
	"encoding/json"
	"fmt"
)

// jsString quotes s as a JavaScript string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// clickScript scrolls the element into view and replays the pointer and
// mouse sequence a real click produces. It evaluates to false when the
// selector matches nothing.
func clickScript(selector string) string {
	return fmt.Sprintf(`(() => {
	const el = document.querySelector(%s);
	if (!el) return false;
	el.scrollIntoView({block: "center", inline: "center"});
	const r = el.getBoundingClientRect();
	const opts = {bubbles: true, cancelable: true, view: window, clientX: r.left + r.width / 2, clientY: r.top + r.height / 2, button: 0};
	const pointer = (type) => el.dispatchEvent(new PointerEvent(type, Object.assign({pointerId: 1, pointerType: "mouse", isPrimary: true}, opts)));
	const mouse = (type) => el.dispatchEvent(new MouseEvent(type, opts));
	pointer("pointerover");
	mouse("mouseover");
	pointer("pointerenter");
	mouse("mouseenter");
	pointer("pointerdown");
	mouse("mousedown");
	if (typeof el.focus === "function") el.focus();
	pointer("pointerup");
	mouse("mouseup");
	el.click();
	return true;
})()`, jsString(selector))
}

// typeScript focuses the element, clears it, and sets text with the input
// and change events frameworks listen for. Content-editable elements get
// their text content replaced.
func typeScript(selector, text string) string {
	return fmt.Sprintf(`(() => {
	const el = document.querySelector(%s);
	if (!el) return false;
	const text = %s;
	el.scrollIntoView({block: "center"});
	if (typeof el.focus === "function") el.focus();
	const fire = (type) => el.dispatchEvent(new Event(type, {bubbles: true}));
	if (el.isContentEditable) {
		el.textContent = "";
		fire("input");
		el.textContent = text;
		fire("input");
		fire("change");
		return true;
	}
	const proto = el instanceof HTMLTextAreaElement ? HTMLTextAreaElement.prototype : HTMLInputElement.prototype;
	const desc = Object.getOwnPropertyDescriptor(proto, "value");
	const set = (v) => (desc && desc.set && (el instanceof HTMLInputElement || el instanceof HTMLTextAreaElement)) ? desc.set.call(el, v) : (el.value = v);
	set("");
	fire("input");
	set(text);
	fire("input");
	fire("change");
	return true;
})()`, jsString(selector), jsString(text))
}

const readyStateScript = `document.readyState`

const contentScript = `(() => ({
	title: document.title || "",
	url: location.href,
	text: document.body ? document.body.innerText : ""
}))()`
