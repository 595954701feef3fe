// Package ua реализует сигнальное ядро SIP User-Agent поверх sipgo.
//
// Ядро управляет состоянием, а не проводами: парсинг сообщений, транзакции
// (RFC 3261 §17) и транспорт остаются на стороне sipgo. Здесь живут:
//
//   - Dialog (RFC 3261 §12): route set, нумерация CSeq, remote target,
//     session timer (RFC 4028), gatekeeper для in-dialog запросов;
//   - Session: полный жизненный цикл INVITE диалога, включая форки,
//     ретрансмиссию 2xx, ожидание ACK, re-INVITE и UPDATE (RFC 3311);
//   - Refer: REFER с неявной подпиской (RFC 3515/4488) и NOTIFY трафиком,
//     включая Target-Dialog (RFC 4538) и Replaces (RFC 3891);
//   - Message: одноразовый out-of-dialog MESSAGE;
//   - UserAgent: фасад, маршрутизирующий входящие запросы к владельцам.
//
// Все сущности сериализуют свои обработчики мьютексом: два обработчика
// одной сущности никогда не выполняются одновременно. Таймеры перепроверяют
// состояние в момент срабатывания.
package ua
