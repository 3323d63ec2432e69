package pageexec

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/vaishnavucv/domagent/internal/config"
)

const overlayCSS = `
.__da-scan-box{position:fixed!important;pointer-events:none!important;z-index:2147483640!important;border:1.5px dashed!important;border-radius:3px!important;box-sizing:border-box!important;transition:opacity .4s ease!important}
.__da-scan-box[data-kind="click"]{border-color:rgba(234,179,8,.75)!important;background:rgba(234,179,8,.04)!important}
.__da-scan-box[data-kind="type"]{border-color:rgba(34,197,94,.75)!important;background:rgba(34,197,94,.04)!important}
.__da-scan-box[data-kind="text"]{border:1px solid rgba(0,210,255,.5)!important;background:rgba(0,210,255,.05)!important}
.__da-idx{position:absolute!important;top:-1px!important;left:-1px!important;background:rgba(255,90,54,.92)!important;color:#fff!important;font:bold 9px/1 system-ui,sans-serif!important;padding:1px 4px 2px!important;border-radius:0 0 4px 0!important;pointer-events:none!important}
.__da-action-hl{position:fixed!important;pointer-events:none!important;z-index:2147483645!important;border-radius:4px!important;box-sizing:border-box!important;animation:__da-pulse .5s ease-in-out 3!important}
@keyframes __da-pulse{0%,100%{opacity:1}50%{opacity:.4}}
`

// jsString renders s as a JavaScript string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func jsBool(b bool) string { return strconv.FormatBool(b) }

func opacity(pct, fallback int) string {
	if pct <= 0 {
		pct = fallback
	}
	return strconv.FormatFloat(float64(pct)/100, 'f', 2, 64)
}

// prelude injects the overlay stylesheet once and removes earlier overlays.
func prelude() string {
	return `
  if (!document.getElementById('__da-style')) {
    var st = document.createElement('style');
    st.id = '__da-style';
    st.textContent = ` + jsString(overlayCSS) + `;
    (document.head || document.documentElement).appendChild(st);
  }
  document.querySelectorAll('.__da-scan-box, .__da-action-hl, .__da-dot').forEach(function(n){ n.remove(); });`
}

// ClearOverlaysScript removes every overlay element and returns "cleared".
func ClearOverlaysScript() string {
	return `(function(){
  document.querySelectorAll('.__da-scan-box, .__da-action-hl, .__da-dot').forEach(function(n){ n.remove(); });
  return 'cleared';
})()`
}

// highlight draws the pulsing action box and dot around rect.
func highlight(action, rgb, dotRGB string, dotSize int, op string, fadeDot, removeDot, fadeBox, removeBox int) string {
	half := dotSize / 2
	return fmt.Sprintf(`
    var hl = document.createElement('div');
    hl.className = '__da-action-hl';
    hl.setAttribute('data-action', '%[1]s');
    hl.style.cssText = 'position:fixed;pointer-events:none;z-index:2147483645;border-radius:4px;box-sizing:border-box;'
      + 'left:' + (rect.left - 3) + 'px;top:' + (rect.top - 3) + 'px;'
      + 'width:' + (rect.width + 6) + 'px;height:' + (rect.height + 6) + 'px;'
      + 'border:2.5px solid rgba(%[2]s,' + %[5]s + ');'
      + 'background:rgba(%[2]s,' + (%[5]s * 0.1) + ');'
      + 'box-shadow:0 0 8px rgba(%[2]s,' + (%[5]s * 0.35) + ');';
    container.appendChild(hl);
    var dot = document.createElement('div');
    dot.className = '__da-dot';
    dot.style.cssText = 'position:fixed;z-index:2147483647;pointer-events:none;'
      + 'width:%[4]dpx;height:%[4]dpx;border-radius:50%%;background:rgba(%[3]s,0.85);'
      + 'left:' + (cx - %[6]d) + 'px;top:' + (cy - %[6]d) + 'px;'
      + 'transition:transform .3s ease,opacity .4s ease;transform:scale(1);opacity:1';
    container.appendChild(dot);
    requestAnimationFrame(function(){
      setTimeout(function(){ dot.style.transform = 'scale(2)'; dot.style.opacity = '0'; }, %[7]d);
      setTimeout(function(){ dot.remove(); }, %[8]d);
      setTimeout(function(){ hl.style.transition = 'opacity 0.4s ease'; hl.style.opacity = '0'; }, %[9]d);
      setTimeout(function(){ hl.remove(); }, %[10]d);
    });`, action, rgb, dotRGB, dotSize, op, half, fadeDot, removeDot, fadeBox, removeBox)
}

// ClickScript clicks the first element matching selector with synthetic
// pointer and mouse events. It throws when nothing matches.
func ClickScript(selector string, cfg config.OverlaySettings) string {
	sel := jsString(selector)
	return `(function(){` + prelude() + `
  var sel = ` + sel + `;
  var el = document.querySelector(sel);
  if (!el) throw new Error('Element not found: ' + sel);
  var rect = el.getBoundingClientRect();
  var cx = rect.left + rect.width / 2, cy = rect.top + rect.height / 2;
  var container = document.body || document.documentElement;
  if (` + jsBool(cfg.OverlayClickEnabled) + `) {` +
		highlight("click", "234,179,8", "255,90,54", 18, opacity(cfg.OverlayClickOpacity, 75), 150, 650, 1200, 1700) + `
  }
  var opts = { bubbles: true, cancelable: true, view: window, clientX: cx, clientY: cy, button: 0 };
  ['pointerdown', 'mousedown', 'pointerup', 'mouseup', 'click'].forEach(function(t){
    el.dispatchEvent(new MouseEvent(t, opts));
  });
  return 'Clicked: ' + sel;
})()`
}

// TypeScript sets the value of the first element matching selector through
// the native value setter and fires input and change events.
func TypeScript(selector, text string, cfg config.OverlaySettings) string {
	sel := jsString(selector)
	return `(function(){` + prelude() + `
  var sel = ` + sel + `;
  var el = document.querySelector(sel);
  if (!el) throw new Error('Element not found: ' + sel);
  var rect = el.getBoundingClientRect();
  var cx = rect.left + rect.width / 2, cy = rect.top + rect.height / 2;
  var container = document.body || document.documentElement;
  if (` + jsBool(cfg.OverlayTypeEnabled) + `) {` +
		highlight("type", "34,197,94", "59,130,246", 14, opacity(cfg.OverlayTypeOpacity, 75), 350, 850, 1500, 2000) + `
  }
  el.focus();
  var text = ` + jsString(text) + `;
  var proto = el.tagName === 'TEXTAREA'
    ? Object.getOwnPropertyDescriptor(window.HTMLTextAreaElement.prototype, 'value')
    : Object.getOwnPropertyDescriptor(window.HTMLInputElement.prototype, 'value');
  if (proto && proto.set) { proto.set.call(el, text); } else { el.value = text; }
  el.dispatchEvent(new Event('input', { bubbles: true, cancelable: true }));
  el.dispatchEvent(new Event('change', { bubbles: true, cancelable: true }));
  return 'Typed into: ' + sel;
})()`
}

// GetTextScript returns the innerText of the first match, or null.
func GetTextScript(selector string) string {
	return `(function(){
  var el = document.querySelector(` + jsString(selector) + `);
  return el ? el.innerText : null;
})()`
}

// InteractiveElementsScript lists up to 100 visible interactive elements and
// 150 visible text elements with selectors and boxes, drawing overlays that
// fade after four seconds.
func InteractiveElementsScript(cfg config.OverlaySettings) string {
	return `(function(){` + prelude() + `
  var CFG = {
    showClick: ` + jsBool(cfg.OverlayClickEnabled) + `, showType: ` + jsBool(cfg.OverlayTypeEnabled) + `, showText: ` + jsBool(cfg.OverlayTextEnabled) + `,
    opClick: ` + opacity(cfg.OverlayClickOpacity, 75) + `, opType: ` + opacity(cfg.OverlayTypeOpacity, 75) + `, opText: ` + opacity(cfg.OverlayTextOpacity, 50) + `
  };
  var gen = (window.__daOverlayGen || 0) + 1;
  window.__daOverlayGen = gen;
  var vw = window.innerWidth, vh = window.innerHeight;
  var container = document.body || document.documentElement;
  if (!container) return [];

  function isVisible(el) {
    var s = getComputedStyle(el);
    if (s.display === 'none' || s.visibility === 'hidden' || s.opacity === '0') return false;
    if (el.offsetParent === null && s.position !== 'fixed' && s.position !== 'sticky'
        && el.tagName !== 'BODY' && el.tagName !== 'HTML') return false;
    var r = el.getBoundingClientRect();
    return r.width > 0 && r.height > 0 && r.right >= 0 && r.bottom >= 0 && r.left <= vw && r.top <= vh;
  }
  function getPath(el) {
    var parts = [];
    while (el && el.nodeType === 1) {
      var tag = el.nodeName.toLowerCase();
      if (el.id) { parts.unshift(tag + '#' + CSS.escape(el.id)); break; }
      var sib = el, nth = 1;
      while ((sib = sib.previousElementSibling)) { if (sib.nodeName.toLowerCase() === tag) nth++; }
      parts.unshift(nth > 1 ? tag + ':nth-of-type(' + nth + ')' : tag);
      el = el.parentNode;
    }
    return parts.join(' > ');
  }
  var typeableTags = { INPUT: 1, TEXTAREA: 1, SELECT: 1 };
  function isTypeable(el) {
    if (typeableTags[el.tagName]) {
      var t = (el.type || '').toLowerCase();
      return !(el.tagName === 'INPUT' && ['button','submit','reset','image','hidden'].indexOf(t) >= 0);
    }
    var role = el.getAttribute('role') || '';
    return el.getAttribute('contenteditable') === 'true' || role === 'textbox' || role === 'combobox' || role === 'searchbox';
  }
  function hasDirectText(el) {
    for (var i = 0; i < el.childNodes.length; i++) {
      if (el.childNodes[i].nodeType === 3 && el.childNodes[i].textContent.trim()) return true;
    }
    return false;
  }
  function drawBox(r, kind, border, bg) {
    var box = document.createElement('div');
    box.className = '__da-scan-box';
    box.setAttribute('data-kind', kind);
    box.setAttribute('data-gen', gen);
    box.style.cssText = 'position:fixed;pointer-events:none;z-index:2147483640;box-sizing:border-box;border-radius:3px;'
      + 'border:' + border + ';left:' + r.left + 'px;top:' + r.top + 'px;'
      + 'width:' + r.width + 'px;height:' + r.height + 'px;background:' + bg + ';';
    container.appendChild(box);
    return box;
  }
  function boxOf(r) { return { x: Math.round(r.x), y: Math.round(r.y), w: Math.round(r.width), h: Math.round(r.height) }; }

  var sels = 'a[href],button,input:not([type=hidden]),textarea,select,[role=button],[role=link],[role=menuitem],'
    + '[role=textbox],[role=combobox],[role=searchbox],[onclick],[tabindex],label[for]';
  var interactive = Array.prototype.slice.call(document.querySelectorAll(sels)).filter(isVisible).slice(0, 100);
  var textTags = 'p,h1,h2,h3,h4,h5,h6,span,li,td,th,label,blockquote,figcaption,caption,legend,dt,dd,em,strong,b,i,'
    + 'mark,small,del,ins,sub,sup,cite,code,pre,abbr,time,address';
  var textEls = Array.prototype.slice.call(document.querySelectorAll(textTags))
    .filter(function(el){ return isVisible(el) && hasDirectText(el); }).slice(0, 150);

  var seen = new Set(), results = [], idx = 0;
  interactive.forEach(function(el){
    seen.add(el);
    var r = el.getBoundingClientRect();
    var kind = isTypeable(el) ? 'type' : 'click';
    var op = kind === 'click' ? CFG.opClick : CFG.opType;
    var rgb = kind === 'click' ? '234,179,8' : '34,197,94';
    if ((kind === 'click' && CFG.showClick) || (kind === 'type' && CFG.showType)) {
      var box = drawBox(r, kind, '1.5px dashed rgba(' + rgb + ',' + op + ')', 'rgba(' + rgb + ',' + (op * 0.08) + ')');
      var badge = document.createElement('span');
      badge.className = '__da-idx';
      badge.textContent = String(idx);
      box.appendChild(badge);
    }
    var txt = (el.innerText || el.value || el.placeholder || el.getAttribute('aria-label') || '')
      .substring(0, 100).replace(/\s+/g, ' ').trim();
    results.push({
      index: idx, tag: el.tagName.toLowerCase(), kind: kind, text: txt, selector: getPath(el),
      attributes: { id: el.id || undefined, name: el.name || undefined, type: el.type || undefined,
        placeholder: el.placeholder || undefined, role: el.getAttribute('role') || undefined },
      box: boxOf(r)
    });
    idx++;
  });
  textEls.forEach(function(el){
    if (seen.has(el)) return;
    seen.add(el);
    var r = el.getBoundingClientRect();
    if (CFG.showText) {
      drawBox(r, 'text', '1px solid rgba(0,210,255,' + CFG.opText + ')', 'rgba(0,210,255,' + (CFG.opText * 0.07) + ')');
    }
    var txt = (el.innerText || '').substring(0, 200).replace(/\s+/g, ' ').trim();
    if (!txt) return;
    results.push({ index: idx, tag: el.tagName.toLowerCase(), kind: 'text', text: txt, selector: getPath(el),
      attributes: { id: el.id || undefined }, box: boxOf(r) });
    idx++;
  });

  setTimeout(function(){
    var q = '.__da-scan-box[data-gen="' + gen + '"]';
    document.querySelectorAll(q).forEach(function(n){ n.style.transition = 'opacity 0.4s ease'; n.style.opacity = '0'; });
    setTimeout(function(){ document.querySelectorAll(q).forEach(function(n){ n.remove(); }); }, 500);
  }, 4000);
  return results;
})()`
}
